package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fgeck/pgback/internal/config"
	"github.com/fgeck/pgback/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags.
	envFile    string
	assumeYes  bool
	dryRun     bool
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "pgback",
	Short: "Dump and restore PostGIS databases",
	Long: `pgback dumps a PostgreSQL/PostGIS database or schema into a custom-format
archive and restores such archives into another database, optionally renaming
the schema and remapping object ownership.

Connection settings come from the environment (or a dotenv file):
  JDBC_URL          jdbc:postgresql://host:port/database?currentSchema=schema
  JDBC_USER         database user
  JDBC_PASSWORD     password (may be empty when PGPASSFILE or ~/.pgpass exists)

Optional policy:
  FORCE_ROLE        role that owns every restored object
  NO_OWNER          strip ownership from the archive (default true)
  SCHEMA_MAP_FROM   schema to rename on restore
  SCHEMA_MAP_TO     new schema name
  SCHEMA_FILTER     schema to dump (defaults to currentSchema)
  NO_PRIVILEGES     skip GRANT/REVOKE (default false)
  CREATE_EXTENSION  create postgis on the target when missing (default true)
  PG_BIN_DIR        directory holding pg_dump, pg_restore and psql
  ASSUME_YES        skip the confirmation prompt

Off-site copy of each dump (optional):
  RESTIC_REPOSITORY     restic repository receiving the archive
  RESTIC_PASSWORD       repository password
  RESTIC_REST_USERNAME  REST server user
  RESTIC_REST_PASSWORD  REST server password
  RESTIC_KEEP_LAST      snapshots kept per database (default all)

Notifications (optional):
  TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with connection settings (ignored if missing unless set explicitly)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print the planned commands without executing them")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Logs go to stderr; stdout carries command output only
	if jsonOutput {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadSettings reads the dotenv file and the environment. --yes overrides ASSUME_YES.
func loadSettings(cmd *cobra.Command) (*models.Settings, error) {
	parser := config.NewParser()
	if err := parser.BindFlag(config.KeyAssumeYes, rootCmd.PersistentFlags().Lookup("yes")); err != nil {
		return nil, err
	}

	cfg, err := parser.LoadFile(envFile, cmd.Flags().Changed("env-file"))
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("env_file", envFile).
		Bool("assume_yes", cfg.AssumeYes).
		Bool("telegram", cfg.Telegram != nil).
		Msg("configuration loaded")

	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM, which kills running child processes.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// reportError logs err in the way that matches its exit code.
func reportError(err error) {
	var (
		restoreErr *models.RestoreFailedError
		backupErr  *models.BackupFailedError
	)

	switch {
	case errors.Is(err, models.ErrUserDeclined):
		log.Warn().Msg("operation declined, nothing was executed")
	case errors.As(err, &restoreErr):
		toolFailure(err, restoreErr.Tool, restoreErr.Stderr).Msg("restore failed, the target database may be partially modified")
		printStderr(restoreErr.Stderr)
	case errors.As(err, &backupErr):
		toolFailure(err, backupErr.Tool, backupErr.Stderr).Msg("dump failed, no archive was written")
		printStderr(backupErr.Stderr)
	default:
		log.Error().Err(err).Int("exit_code", models.ExitCode(err)).Msg("pgback failed")
	}
}

// toolFailure leaves the error out of the log line when stderr is printed below it.
func toolFailure(err error, tool, stderr string) *zerolog.Event {
	event := log.Error().Str("tool", tool)
	if strings.TrimSpace(stderr) == "" {
		event = event.Err(err)
	}
	return event
}

// printStderr surfaces a tool's stderr verbatim.
func printStderr(stderr string) {
	if strings.TrimSpace(stderr) == "" {
		return
	}
	_, _ = os.Stderr.WriteString(stderr)
	if !strings.HasSuffix(stderr, "\n") {
		_, _ = os.Stderr.WriteString("\n")
	}
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		reportError(err)
	}
	return err
}
