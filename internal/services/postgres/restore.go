package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/pgback/internal/models"
)

// archiveMagic starts every custom-format archive written by pg_dump.
var archiveMagic = []byte("PGDMP")

// rewrittenSQLPlaceholder stands in for the temp file in plans that are only displayed.
const rewrittenSQLPlaceholder = "<rewritten.sql>"

// ValidateArchive checks that path is a readable, custom-format archive.
func (s *Impl) ValidateArchive(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is controlled by caller
	if err != nil {
		return &models.ConfigurationError{Msg: "archive not readable", Err: err}
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, len(archiveMagic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, archiveMagic) {
		return models.NewConfigurationError("%s is not a custom-format archive; create it with pgback dump or pg_dump --format=custom", path)
	}
	return nil
}

// PlanRestore returns the restore plan without executing it.
func (s *Impl) PlanRestore(desc models.ConnectionDescriptor, policy models.OperationPolicy, archivePath string) models.InvocationPlan {
	return BuildRestorePlan(s.tools, desc, policy, archivePath, rewrittenSQLPlaceholder)
}

// Restore replays archivePath into the target described by desc.
// pg_restore turns the archive into SQL, the Rewriter applies the policy,
// and psql executes the result with ON_ERROR_STOP in a single transaction.
// The caller must have run the preflight checks.
func (s *Impl) Restore(
	ctx context.Context,
	desc models.ConnectionDescriptor,
	policy models.OperationPolicy,
	archivePath string,
) error {
	start := time.Now()

	sqlFile, err := os.CreateTemp(s.tempDir, "pgback-restore-*.sql")
	if err != nil {
		return &models.RestoreFailedError{Tool: "pgback", Err: fmt.Errorf("creating temp file: %w", err)}
	}
	sqlPath := sqlFile.Name()
	defer func() { _ = os.Remove(sqlPath) }()

	plan := BuildRestorePlan(s.tools, desc, policy, archivePath, sqlPath)
	extract, apply := plan.Steps[0], plan.Steps[1]

	s.logger.Info().
		Str("archive", archivePath).
		Str("host", desc.Host).
		Str("database", desc.Database).
		Bool("no_owner", policy.IgnoreOwnership).
		Str("force_role", policy.ForceRole).
		Str("schema_from", policy.SchemaRenameFrom).
		Str("schema_to", policy.SchemaRenameTo).
		Msg("starting PostgreSQL restore")
	s.logger.Debug().
		Str("extract", extract.String()).
		Str("apply", apply.String()).
		Strs("env", MaskEnv(plan.Env)).
		Msg("restore plan")

	rewriter := NewRewriter(sqlFile, plan.Rewrite)
	execErr := s.executor.ExecuteWithEnv(ctx, plan.Env, rewriter, extract.Name, extract.Args...)
	if execErr == nil {
		execErr = rewriter.Close()
	}
	if closeErr := sqlFile.Close(); execErr == nil && closeErr != nil {
		execErr = fmt.Errorf("writing rewritten SQL: %w", closeErr)
	}
	if execErr != nil {
		return restoreFailed(extract.Name, execErr)
	}

	if err := s.executor.ExecuteWithEnv(ctx, plan.Env, io.Discard, apply.Name, apply.Args...); err != nil {
		return restoreFailed(apply.Name, err)
	}

	s.logger.Info().
		Str("archive", archivePath).
		Dur("duration", time.Since(start)).
		Msg("PostgreSQL restore completed")

	return nil
}

func restoreFailed(tool string, err error) error {
	failed := &models.RestoreFailedError{Tool: filepath.Base(tool), Err: err}
	var toolErr *models.ToolError
	if errors.As(err, &toolErr) {
		failed.Stderr = toolErr.Stderr
	}
	return failed
}
