package main

import (
	"github.com/fgeck/pgback/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <archive-path>",
	Short: "Restore a custom-format archive into the target database",
	Long: `Restore an archive written by pgback dump (or pg_dump --format=custom)
into the database named in JDBC_URL:
1. Ask for confirmation (skipped with --yes or ASSUME_YES)
2. Check connectivity and ensure the postgis extension exists
3. Extract the archive with pg_restore and rewrite ownership and schema names
4. Apply the result with psql in a single transaction

NO_OWNER strips ownership from the archive, FORCE_ROLE makes that role own
every restored object, and SCHEMA_MAP_FROM/SCHEMA_MAP_TO move every object
from one schema into another.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger)
	result, err := runnerSvc.Restore(ctx, cfg, runner.Options{
		ArchivePath: args[0],
		DryRun:      dryRun,
	})
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}

	log.Info().
		Str("archive", result.ArchivePath).
		Str("stage", result.Stage.String()).
		Bool("extension_created", result.ExtensionCreated).
		Dur("duration", result.Duration).
		Msg("restore completed successfully")

	return nil
}
