package main

import (
	"fmt"

	"github.com/fgeck/pgback/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var forceOverwrite bool

var dumpCmd = &cobra.Command{
	Use:   "dump <archive-path>",
	Short: "Dump a database or schema into a custom-format archive",
	Long: `Dump the database named in JDBC_URL with pg_dump --format=custom.

When JDBC_URL carries currentSchema (or SCHEMA_FILTER is set) only that schema
is dumped. If archive-path is a directory a file name is generated from the
database, schema and current time. An existing archive is only replaced with
--force; a failed dump never leaves a partial archive behind.`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().BoolVarP(&forceOverwrite, "force", "f", false, "overwrite an existing archive")
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger)
	result, err := runnerSvc.Dump(ctx, cfg, runner.Options{
		ArchivePath: args[0],
		Force:       forceOverwrite,
		DryRun:      dryRun,
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	log.Info().
		Str("archive", result.OutputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("dump completed successfully")

	// The archive path on stdout lets scripts pick up generated names
	_, err = fmt.Fprintln(cmd.OutOrStdout(), result.OutputPath)
	return err
}
