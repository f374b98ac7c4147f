// Package preflight checks a restore target before any data is applied.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/pgback/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// ConnectTimeout bounds connection establishment.
const ConnectTimeout = 10 * time.Second

// SQLSTATE codes. The first two mean a concurrent session created the extension first.
const (
	codeDuplicateObject  = "42710"
	codeUniqueViolation  = "23505"
	codeInsufficientPriv = "42501"
)

const (
	extensionVersionSQL = `SELECT extversion FROM pg_catalog.pg_extension WHERE extname = $1`
	roleExistsSQL       = `SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_roles WHERE rolname = $1)`
	roleMemberSQL       = `SELECT pg_catalog.pg_has_role(current_user, $1::name, 'MEMBER')`
	schemaExistsSQL     = `SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`
)

// Conn is the subset of *pgx.Conn used by the checks.
type Conn interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// Connector opens connections, allowing mocking in tests.
type Connector interface {
	Connect(ctx context.Context, cfg *pgx.ConnConfig) (Conn, error)
}

// DefaultConnector connects with pgx.
type DefaultConnector struct{}

// Connect opens a single pgx connection.
func (DefaultConnector) Connect(ctx context.Context, cfg *pgx.ConnConfig) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Service defines the interface for restore target checks.
type Service interface {
	Check(ctx context.Context, desc models.ConnectionDescriptor, policy models.OperationPolicy) (*models.PreflightResult, error)
}

// Impl implements the preflight Service interface.
type Impl struct {
	connector Connector
	logger    zerolog.Logger
}

// New creates a new preflight service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		connector: DefaultConnector{},
		logger:    logger,
	}
}

// NewWithConnector creates a new preflight service with a custom connector (for testing).
func NewWithConnector(logger zerolog.Logger, connector Connector) *Impl {
	return &Impl{
		connector: connector,
		logger:    logger,
	}
}

// Check connects to the target, ensures the spatial extension is installed and
// verifies the forced role. No DDL is issued when the extension already exists.
func (s *Impl) Check(ctx context.Context, desc models.ConnectionDescriptor, policy models.OperationPolicy) (*models.PreflightResult, error) {
	cfg, err := ConnConfig(desc)
	if err != nil {
		return nil, &models.ConfigurationError{Msg: "building connection config", Err: err}
	}

	s.logger.Info().
		Str("target", desc.Masked()).
		Str("extension", policy.SpatialExtension).
		Msg("running preflight checks")

	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, err := s.connector.Connect(connectCtx, cfg)
	if err != nil {
		return nil, &models.PreflightError{Check: "connect", Err: err}
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	if err := conn.Ping(connectCtx); err != nil {
		return nil, &models.PreflightError{Check: "connect", Err: err}
	}

	result := &models.PreflightResult{}

	if err := conn.QueryRow(ctx, "SHOW server_version").Scan(&result.ServerVersion); err != nil {
		return nil, &models.PreflightError{Check: "server version", Err: err}
	}
	s.logger.Debug().Str("server_version", result.ServerVersion).Msg("connected to target")

	if err := s.ensureExtension(ctx, conn, policy, result); err != nil {
		return nil, err
	}

	if policy.ForceRole != "" {
		if err := checkRole(ctx, conn, policy.ForceRole); err != nil {
			return nil, err
		}
	}

	if policy.HasRename() {
		var exists bool
		if err := conn.QueryRow(ctx, schemaExistsSQL, policy.SchemaRenameTo).Scan(&exists); err != nil {
			return nil, &models.PreflightError{Check: "target schema", Err: err}
		}
		if exists {
			s.logger.Warn().
				Str("schema", policy.SchemaRenameTo).
				Msg("target schema already exists, restored objects are added to it")
		}
	}

	s.logger.Info().
		Str("server_version", result.ServerVersion).
		Str("extension_version", result.ExtensionVersion).
		Bool("extension_created", result.ExtensionCreated).
		Msg("preflight checks passed")

	return result, nil
}

func (s *Impl) ensureExtension(ctx context.Context, conn Conn, policy models.OperationPolicy, result *models.PreflightResult) error {
	ext := policy.SpatialExtension

	version, found, err := extensionVersion(ctx, conn, ext)
	if err != nil {
		return &models.PreflightError{Check: "extension", Err: err}
	}
	if found {
		result.ExtensionVersion = version
		return nil
	}

	if !policy.CreateExtension {
		return &models.PreflightError{
			Check: "extension",
			Err:   fmt.Errorf("extension %q is not installed and CREATE_EXTENSION is disabled", ext),
		}
	}

	s.logger.Info().Str("extension", ext).Msg("creating missing extension")

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+pgx.Identifier{ext}.Sanitize()); err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.As(err, &pgErr) && (pgErr.Code == codeDuplicateObject || pgErr.Code == codeUniqueViolation):
			s.logger.Debug().Str("extension", ext).Msg("extension created concurrently")
		case errors.As(err, &pgErr) && pgErr.Code == codeInsufficientPriv:
			return &models.PreflightError{
				Check: "extension",
				Err:   fmt.Errorf("insufficient privilege to create extension %q; ask a superuser to install it: %w", ext, err),
			}
		default:
			return &models.PreflightError{Check: "extension", Err: fmt.Errorf("creating extension %q: %w", ext, err)}
		}
	} else {
		result.ExtensionCreated = true
	}

	version, found, err = extensionVersion(ctx, conn, ext)
	if err != nil {
		return &models.PreflightError{Check: "extension", Err: err}
	}
	if !found {
		return &models.PreflightError{Check: "extension", Err: fmt.Errorf("extension %q still missing after creation", ext)}
	}
	result.ExtensionVersion = version
	return nil
}

func extensionVersion(ctx context.Context, conn Conn, ext string) (string, bool, error) {
	var version string
	err := conn.QueryRow(ctx, extensionVersionSQL, ext).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying extension %q: %w", ext, err)
	}
	return version, true, nil
}

func checkRole(ctx context.Context, conn Conn, role string) error {
	var exists bool
	if err := conn.QueryRow(ctx, roleExistsSQL, role).Scan(&exists); err != nil {
		return &models.PreflightError{Check: "force role", Err: err}
	}
	if !exists {
		return &models.PreflightError{Check: "force role", Err: fmt.Errorf("role %q does not exist", role)}
	}

	var member bool
	if err := conn.QueryRow(ctx, roleMemberSQL, role).Scan(&member); err != nil {
		return &models.PreflightError{Check: "force role", Err: err}
	}
	if !member {
		return &models.PreflightError{
			Check: "force role",
			Err:   fmt.Errorf("connecting user is not a member of role %q and cannot SET ROLE to it", role),
		}
	}
	return nil
}

// ConnConfig builds a pgx connection config for desc. The password is set on
// the parsed config, never formatted into the connection string.
func ConnConfig(desc models.ConnectionDescriptor) (*pgx.ConnConfig, error) {
	params := []string{
		"host=" + quoteValue(desc.Host),
		fmt.Sprintf("port=%d", desc.Port),
		"dbname=" + quoteValue(desc.Database),
		"user=" + quoteValue(desc.User),
		"application_name=pgback",
		fmt.Sprintf("connect_timeout=%d", int(ConnectTimeout.Seconds())),
	}
	if desc.PassFile != "" {
		params = append(params, "passfile="+quoteValue(desc.PassFile))
	}

	cfg, err := pgx.ParseConfig(strings.Join(params, " "))
	if err != nil {
		return nil, err
	}
	if desc.Password != "" {
		cfg.Password = desc.Password
	}
	return cfg, nil
}

// quoteValue quotes a keyword/value connection string value.
func quoteValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
