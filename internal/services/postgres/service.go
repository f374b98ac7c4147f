// Package postgres provides PostgreSQL dump and restore operations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/pgback/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for PostgreSQL dump and restore operations.
type Service interface {
	LocateTools(action models.Action, binDir string) error
	ValidateArchive(path string) error
	PlanDump(desc models.ConnectionDescriptor, policy models.OperationPolicy, outputPath string) models.InvocationPlan
	PlanRestore(desc models.ConnectionDescriptor, policy models.OperationPolicy, archivePath string) models.InvocationPlan
	Dump(ctx context.Context, desc models.ConnectionDescriptor, policy models.OperationPolicy, outputPath string, overwrite bool) (*models.DumpResult, error)
	Restore(ctx context.Context, desc models.ConnectionDescriptor, policy models.OperationPolicy, archivePath string) error
}

// Impl implements the PostgreSQL Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	tools    Tools
	lookPath func(string) (string, error)
	tempDir  string
}

// New creates a new PostgreSQL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		tools:    DefaultTools(),
		tempDir:  os.TempDir(),
	}
}

// NewWithExecutor creates a new PostgreSQL service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor, tempDir string) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		tools:    DefaultTools(),
		tempDir:  tempDir,
	}
}

// LocateTools resolves the client binaries needed for action and remembers their paths.
func (s *Impl) LocateTools(action models.Action, binDir string) error {
	tools, err := LocateTools(action, binDir, s.lookPath)
	if err != nil {
		return err
	}
	s.tools = tools

	s.logger.Debug().
		Str("pg_dump", tools.PgDump).
		Str("pg_restore", tools.PgRestore).
		Str("psql", tools.Psql).
		Msg("client tools located")
	return nil
}

// PlanDump returns the dump plan without executing it.
func (s *Impl) PlanDump(desc models.ConnectionDescriptor, policy models.OperationPolicy, outputPath string) models.InvocationPlan {
	return BuildDumpPlan(s.tools, desc, policy, outputPath)
}

// Dump performs a pg_dump into outputPath using the custom archive format.
// The archive is written next to outputPath and only moved into place once
// pg_dump succeeded and produced a non-empty file.
func (s *Impl) Dump(
	ctx context.Context,
	desc models.ConnectionDescriptor,
	policy models.OperationPolicy,
	outputPath string,
	overwrite bool,
) (*models.DumpResult, error) {
	start := time.Now()

	if _, err := os.Stat(outputPath); err == nil && !overwrite {
		return nil, models.NewConfigurationError("archive %s already exists; pass --force to overwrite it", outputPath)
	}

	// Ensure output directory exists
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &models.ConfigurationError{Msg: "creating output directory", Err: err}
	}

	plan := s.PlanDump(desc, policy, outputPath)
	step := plan.Steps[0]

	s.logger.Info().
		Str("host", desc.Host).
		Int("port", desc.Port).
		Str("database", desc.Database).
		Str("schema", policy.SchemaFilter).
		Str("output", outputPath).
		Msg("starting PostgreSQL dump")
	s.logger.Debug().
		Str("command", step.String()).
		Strs("env", MaskEnv(plan.Env)).
		Msg("dump plan")

	partial := outputPath + ".partial"
	output, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // path is controlled by caller
	if err != nil {
		return nil, &models.ConfigurationError{Msg: "creating archive file", Err: err}
	}

	execErr := s.executor.ExecuteWithEnv(ctx, plan.Env, output, step.Name, step.Args...)
	closeErr := output.Close()

	if execErr != nil {
		// Clean up partial file
		_ = os.Remove(partial)
		return nil, backupFailed(step.Name, execErr)
	}
	if closeErr != nil {
		_ = os.Remove(partial)
		return nil, backupFailed(step.Name, fmt.Errorf("writing archive: %w", closeErr))
	}

	info, err := os.Stat(partial)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(partial)
		return nil, backupFailed(step.Name, errors.New("pg_dump produced an empty archive"))
	}

	if err := os.Rename(partial, outputPath); err != nil {
		_ = os.Remove(partial)
		return nil, backupFailed(step.Name, fmt.Errorf("moving archive into place: %w", err))
	}

	result := &models.DumpResult{
		OutputPath: outputPath,
		SizeBytes:  info.Size(),
		Duration:   time.Since(start),
	}

	s.logger.Info().
		Str("output", outputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("PostgreSQL dump completed")

	return result, nil
}

func backupFailed(tool string, err error) error {
	failed := &models.BackupFailedError{Tool: filepath.Base(tool), Err: err}
	var toolErr *models.ToolError
	if errors.As(err, &toolErr) {
		failed.Stderr = toolErr.Stderr
	}
	return failed
}

// GetOutputFilename returns a suggested archive filename for the descriptor.
func GetOutputFilename(desc models.ConnectionDescriptor, policy models.OperationPolicy, now time.Time) string {
	name := desc.Database
	if policy.SchemaFilter != "" {
		name += "-" + policy.SchemaFilter
	}
	return fmt.Sprintf("%s-%s.dump", name, now.Format("20060102-150405"))
}
