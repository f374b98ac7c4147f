// Package restic copies dump archives into a restic repository.
package restic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/pgback/internal/models"
	"github.com/rs/zerolog"
)

// Tag marks every snapshot created by pgback.
const Tag = "pgback"

// Service defines the interface for off-site archive copies.
type Service interface {
	Ship(ctx context.Context, cfg models.ResticConfig, archivePath, database string) (*models.OffsiteResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables and
// returns its combined output.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	binary   string
}

// New creates a new restic service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		binary:   "restic",
	}
}

// NewWithExecutor creates a new restic service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		binary:   "restic",
	}
}

func buildEnv(cfg models.ResticConfig) []string {
	env := []string{
		"RESTIC_REPOSITORY=" + cfg.Repository,
		"RESTIC_PASSWORD=" + cfg.Password,
	}

	if cfg.RestUser != "" {
		env = append(env, "RESTIC_REST_USERNAME="+cfg.RestUser)
	}
	if cfg.RestPassword != "" {
		env = append(env, "RESTIC_REST_PASSWORD="+cfg.RestPassword)
	}

	return env
}

// Ship stores the archive as a new snapshot tagged with the database name and
// applies the keep-last retention for that database.
func (s *Impl) Ship(ctx context.Context, cfg models.ResticConfig, archivePath, database string) (*models.OffsiteResult, error) {
	start := time.Now()
	env := buildEnv(cfg)

	if err := s.ensureRepository(ctx, env, cfg.Repository); err != nil {
		return nil, err
	}

	result, err := s.backup(ctx, env, archivePath, database)
	if err != nil {
		return nil, err
	}

	if cfg.KeepLast > 0 {
		removed, err := s.forget(ctx, env, database, cfg.KeepLast)
		if err != nil {
			return nil, err
		}
		result.SnapshotsRemoved = removed
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Str("snapshot_id", result.SnapshotID).
		Int64("data_added", result.DataAdded).
		Int("snapshots_removed", result.SnapshotsRemoved).
		Dur("duration", result.Duration).
		Msg("archive copied to restic repository")

	return result, nil
}

// ensureRepository initializes the repository unless it already exists.
func (s *Impl) ensureRepository(ctx context.Context, env []string, repository string) error {
	s.logger.Debug().Str("repository", repository).Msg("checking restic repository")

	if _, err := s.executor.ExecuteWithEnv(ctx, env, s.binary, "cat", "config"); err == nil {
		return nil
	}

	s.logger.Info().Str("repository", repository).Msg("initializing restic repository")
	output, err := s.executor.ExecuteWithEnv(ctx, env, s.binary, "init")
	if err != nil {
		return shipFailed("init", output, err)
	}
	return nil
}

// backupSummary is the summary line of restic backup --json.
type backupSummary struct {
	MessageType string `json:"message_type"`
	DataAdded   int64  `json:"data_added"`
	SnapshotID  string `json:"snapshot_id"`
}

func (s *Impl) backup(ctx context.Context, env []string, archivePath, database string) (*models.OffsiteResult, error) {
	s.logger.Info().Str("archive", archivePath).Msg("copying archive to restic repository")

	args := []string{"backup", "--json", "--tag", Tag}
	if database != "" {
		args = append(args, "--tag", database)
	}
	args = append(args, archivePath)

	output, err := s.executor.ExecuteWithEnv(ctx, env, s.binary, args...)
	if err != nil {
		return nil, shipFailed("backup", output, err)
	}

	var summary backupSummary
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, &summary); err != nil {
			continue
		}
		if summary.MessageType == "summary" {
			break
		}
	}
	if summary.MessageType != "summary" || summary.SnapshotID == "" {
		return nil, shipFailed("backup", output, errors.New("no snapshot summary in restic output"))
	}

	return &models.OffsiteResult{
		SnapshotID: summary.SnapshotID,
		DataAdded:  summary.DataAdded,
	}, nil
}

// forgetGroup is the JSON structure returned by restic forget --json.
type forgetGroup struct {
	Remove []struct {
		ID string `json:"id"`
	} `json:"remove"`
}

func (s *Impl) forget(ctx context.Context, env []string, database string, keepLast int) (int, error) {
	s.logger.Info().Int("keep_last", keepLast).Msg("applying restic retention")

	tags := Tag
	if database != "" {
		tags += "," + database
	}
	args := []string{
		"forget", "--prune", "--json",
		"--tag", tags,
		"--group-by", "host,tags",
		"--keep-last", strconv.Itoa(keepLast),
	}

	output, err := s.executor.ExecuteWithEnv(ctx, env, s.binary, args...)
	if err != nil {
		return 0, shipFailed("forget", output, err)
	}

	// prune progress may follow the JSON document
	var groups []forgetGroup
	if err := json.NewDecoder(bytes.NewReader(output)).Decode(&groups); err != nil {
		s.logger.Debug().Err(err).Msg("could not parse forget output")
	}

	removed := 0
	for _, g := range groups {
		removed += len(g.Remove)
	}
	return removed, nil
}

func shipFailed(step string, output []byte, err error) error {
	stderr := strings.TrimSpace(string(output))
	return &models.BackupFailedError{
		Tool:   "restic",
		Stderr: stderr,
		Err:    fmt.Errorf("restic %s: %w", step, err),
	}
}
