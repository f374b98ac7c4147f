// Package config turns environment input into connection and policy values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fgeck/pgback/internal/models"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Environment keys. Viper matches them case-insensitively against the
// process environment and the optional dotenv file.
const (
	KeyJDBCURL         = "jdbc_url"
	KeyJDBCUser        = "jdbc_user"
	KeyJDBCPassword    = "jdbc_password"
	KeyPassFile        = "pgpassfile"
	KeyForceRole       = "force_role"
	KeyNoOwner         = "no_owner"
	KeySchemaMapFrom   = "schema_map_from"
	KeySchemaMapTo     = "schema_map_to"
	KeySchemaFilter    = "schema_filter"
	KeyNoPrivileges    = "no_privileges"
	KeyCreateExtension = "create_extension"
	KeyBinDir          = "pg_bin_dir"
	KeyAssumeYes       = "assume_yes"
	KeyResticRepo      = "restic_repository"
	KeyResticPassword  = "restic_password"
	KeyResticRestUser  = "restic_rest_username"
	KeyResticRestPass  = "restic_rest_password"
	KeyResticKeepLast  = "restic_keep_last"
	KeyTelegramToken   = "telegram_bot_token"
	KeyTelegramChatID  = "telegram_chat_id"
)

// Parser handles environment and dotenv parsing.
type Parser struct {
	v       *viper.Viper
	homeDir string
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()

	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return &Parser{v: v, homeDir: home}
}

// BindFlag lets a command-line flag override the environment key.
func (p *Parser) BindFlag(key string, flag *pflag.Flag) error {
	if err := p.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("binding flag %s: %w", flag.Name, err)
	}
	return nil
}

// Load reads settings from the process environment only.
func (p *Parser) Load() (*models.Settings, error) {
	return p.parse()
}

// LoadFile reads a dotenv file and overlays the process environment.
// A missing file is only an error when required is true.
func (p *Parser) LoadFile(path string, required bool) (*models.Settings, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return p.parse()
		}
		return nil, &models.ConfigurationError{Msg: fmt.Sprintf("env file %s", path), Err: err}
	}

	p.v.SetConfigFile(path)
	if err := p.v.ReadInConfig(); err != nil {
		return nil, &models.ConfigurationError{Msg: "reading env file", Err: err}
	}

	return p.parse()
}

// LoadReader loads dotenv content from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Settings, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, &models.ConfigurationError{Msg: "reading env content", Err: err}
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Settings, error) {
	cfg := &models.Settings{
		JDBCURL:      p.getString(KeyJDBCURL),
		JDBCUser:     p.getString(KeyJDBCUser),
		JDBCPassword: p.v.GetString(KeyJDBCPassword), // taken verbatim
		PassFile:     p.passFile(),
		BinDir:       p.getString(KeyBinDir),
	}

	if cfg.JDBCURL == "" || cfg.JDBCUser == "" {
		return nil, models.NewConfigurationError("missing required env vars: JDBC_URL, JDBC_USER, JDBC_PASSWORD")
	}

	var err error
	cfg.Policy = models.PolicyInput{
		ForceRole:     p.getString(KeyForceRole),
		SchemaMapFrom: p.getString(KeySchemaMapFrom),
		SchemaMapTo:   p.getString(KeySchemaMapTo),
		SchemaFilter:  p.getString(KeySchemaFilter),
	}
	if cfg.Policy.NoOwner, err = p.getBool(KeyNoOwner, true); err != nil {
		return nil, err
	}
	if cfg.Policy.NoPrivileges, err = p.getBool(KeyNoPrivileges, false); err != nil {
		return nil, err
	}
	if cfg.Policy.CreateExtension, err = p.getBool(KeyCreateExtension, true); err != nil {
		return nil, err
	}
	if cfg.AssumeYes, err = p.getBool(KeyAssumeYes, false); err != nil {
		return nil, err
	}

	if cfg.Offsite, err = p.parseOffsite(); err != nil {
		return nil, err
	}

	token := p.getString(KeyTelegramToken)
	chatID := p.getString(KeyTelegramChatID)
	switch {
	case token != "" && chatID != "":
		cfg.Telegram = &models.TelegramConfig{BotToken: token, ChatID: chatID}
	case token != "":
		return nil, models.NewConfigurationError("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	case chatID != "":
		return nil, models.NewConfigurationError("TELEGRAM_BOT_TOKEN is required when TELEGRAM_CHAT_ID is set")
	}

	return cfg, nil
}

// parseOffsite reads the optional restic repository settings.
func (p *Parser) parseOffsite() (*models.ResticConfig, error) {
	repo := p.getString(KeyResticRepo)
	if repo == "" {
		return nil, nil
	}

	cfg := &models.ResticConfig{
		Repository:   repo,
		Password:     p.v.GetString(KeyResticPassword),
		RestUser:     p.getString(KeyResticRestUser),
		RestPassword: p.v.GetString(KeyResticRestPass),
	}
	if cfg.Password == "" {
		return nil, models.NewConfigurationError("RESTIC_PASSWORD is required when RESTIC_REPOSITORY is set")
	}

	if raw := p.getString(KeyResticKeepLast); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, models.NewConfigurationError("RESTIC_KEEP_LAST must be a non-negative integer, got %q", raw)
		}
		cfg.KeepLast = n
	}

	return cfg, nil
}

// Resolve parses the connection descriptor and composes the operation policy.
func Resolve(cfg *models.Settings) (models.ConnectionDescriptor, models.OperationPolicy, error) {
	desc, err := ParseJDBCURL(cfg.JDBCURL, cfg.JDBCUser, cfg.JDBCPassword, cfg.PassFile)
	if err != nil {
		return models.ConnectionDescriptor{}, models.OperationPolicy{}, err
	}

	policy, err := ResolvePolicy(desc, cfg.Policy)
	if err != nil {
		return models.ConnectionDescriptor{}, models.OperationPolicy{}, err
	}

	return desc, policy, nil
}

// passFile returns PGPASSFILE, or ~/.pgpass when it exists.
func (p *Parser) passFile() string {
	if f := p.getString(KeyPassFile); f != "" {
		return f
	}
	if p.homeDir == "" {
		return ""
	}
	path := filepath.Join(p.homeDir, ".pgpass")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (p *Parser) getString(key string) string {
	return strings.TrimSpace(p.expandEnv(p.v.GetString(key)))
}

// getBool accepts the spellings used by shell scripts and dotenv files.
func (p *Parser) getBool(key string, def bool) (bool, error) {
	raw := strings.ToLower(p.getString(key))
	switch raw {
	case "":
		return def, nil
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	default:
		return false, models.NewConfigurationError("%s must be a boolean, got %q", strings.ToUpper(key), raw)
	}
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}
