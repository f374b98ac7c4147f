// Package runner orchestrates the dump and restore workflows.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/pgback/internal/config"
	"github.com/fgeck/pgback/internal/models"
	"github.com/fgeck/pgback/internal/services/confirm"
	"github.com/fgeck/pgback/internal/services/postgres"
	"github.com/fgeck/pgback/internal/services/preflight"
	"github.com/fgeck/pgback/internal/services/restic"
	"github.com/fgeck/pgback/internal/services/telegram"
	"github.com/rs/zerolog"
)

// Failed step names reported in notifications.
const (
	stepConfig    = "configuration"
	stepConfirm   = "confirmation"
	stepPreflight = "preflight"
	stepExecute   = "execute"
	stepOffsite   = "offsite copy"
)

// Options are the per-invocation command-line inputs.
type Options struct {
	ArchivePath string
	Force       bool // overwrite an existing archive on dump
	DryRun      bool // print the plan, execute nothing
}

// Service defines the interface for the workflow runner.
type Service interface {
	Dump(ctx context.Context, cfg *models.Settings, opts Options) (*models.DumpResult, error)
	Restore(ctx context.Context, cfg *models.Settings, opts Options) (*models.RestoreResult, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	postgresSvc  postgres.Service
	preflightSvc preflight.Service
	confirmSvc   confirm.Service
	resticSvc    restic.Service
	telegramSvc  telegram.Service
	logger       zerolog.Logger
	now          func() time.Time
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		postgresSvc:  postgres.New(logger),
		preflightSvc: preflight.New(logger),
		confirmSvc:   confirm.New(logger),
		resticSvc:    restic.New(logger),
		telegramSvc:  telegram.New(logger),
		logger:       logger,
		now:          time.Now,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	postgresSvc postgres.Service,
	preflightSvc preflight.Service,
	confirmSvc confirm.Service,
	resticSvc restic.Service,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		postgresSvc:  postgresSvc,
		preflightSvc: preflightSvc,
		confirmSvc:   confirmSvc,
		resticSvc:    resticSvc,
		telegramSvc:  telegramSvc,
		logger:       logger,
		now:          time.Now,
	}
}

// Dump resolves the configuration, asks for confirmation and writes the archive.
func (s *Impl) Dump(ctx context.Context, cfg *models.Settings, opts Options) (*models.DumpResult, error) {
	desc, policy, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	if err := s.postgresSvc.LocateTools(models.ActionDump, cfg.BinDir); err != nil {
		return nil, err
	}

	archive, err := s.dumpTarget(desc, policy, opts.ArchivePath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(archive); err == nil && !opts.Force {
		return nil, models.NewConfigurationError("archive %s already exists; pass --force to overwrite it", archive)
	}

	s.logger.Info().
		Str("target", desc.Masked()).
		Str("schema", policy.SchemaFilter).
		Str("archive", archive).
		Msg("dump requested")

	if opts.DryRun {
		s.logPlan(s.postgresSvc.PlanDump(desc, policy, archive))
		if cfg.Offsite != nil {
			s.logger.Info().
				Str("repository", cfg.Offsite.Repository).
				Int("keep_last", cfg.Offsite.KeepLast).
				Msg("dry run: would copy archive to restic repository")
		}
		return nil, nil
	}

	req := confirm.Request{Action: models.ActionDump, Target: desc, Policy: policy, ArchivePath: archive}
	if err := s.confirmSvc.Confirm(ctx, req, cfg.AssumeYes); err != nil {
		return nil, err
	}

	startTime := s.now()
	failedStep := stepExecute
	result, err := s.postgresSvc.Dump(ctx, desc, policy, archive, opts.Force)
	if err == nil && cfg.Offsite != nil {
		result.Offsite, err = s.resticSvc.Ship(ctx, *cfg.Offsite, result.OutputPath, desc.Database)
		if err != nil {
			failedStep = stepOffsite
			s.logger.Warn().Str("archive", result.OutputPath).Msg("off-site copy failed, local archive kept")
		}
	}

	if cfg.Telegram != nil {
		msg := models.TelegramMessage{
			Success:   err == nil,
			Action:    models.ActionDump,
			Target:    desc.Masked(),
			Archive:   archive,
			Schema:    policy.SchemaFilter,
			StartTime: startTime,
			Duration:  time.Since(startTime),
		}
		if result != nil {
			msg.SizeBytes = result.SizeBytes
			if result.Offsite != nil {
				msg.SnapshotID = result.Offsite.SnapshotID
			}
		}
		if err != nil {
			msg.FailedStep = failedStep
			msg.ErrorMessage = err.Error()
		}
		s.sendNotification(ctx, *cfg.Telegram, msg)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// dumpTarget resolves the archive path. A directory receives a generated file name.
func (s *Impl) dumpTarget(desc models.ConnectionDescriptor, policy models.OperationPolicy, path string) (string, error) {
	if path == "" {
		return "", models.NewConfigurationError("archive path is required")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, postgres.GetOutputFilename(desc, policy, s.now())), nil
	}
	return path, nil
}

// Restore drives a restore attempt through its stages. The returned result is
// never nil and records the stage the attempt ended in.
//
//nolint:gocognit // one gated step per restore stage
func (s *Impl) Restore(ctx context.Context, cfg *models.Settings, opts Options) (*models.RestoreResult, error) {
	startTime := s.now()
	result := &models.RestoreResult{ArchivePath: opts.ArchivePath, Stage: models.StageParsed}
	tracker := &stageTracker{result: result, logger: s.logger}

	var (
		desc       models.ConnectionDescriptor
		policy     models.OperationPolicy
		failedStep string
		runErr     error
		notify     bool
	)

	fail := func(step string, err error) (*models.RestoreResult, error) {
		failedStep, runErr = step, err
		tracker.fail(err)
		result.Duration = time.Since(startTime)
		return result, err
	}

	defer func() {
		// Notify only once the operator has approved the restore
		if notify && cfg.Telegram != nil {
			msg := models.TelegramMessage{
				Success:          runErr == nil,
				Action:           models.ActionRestore,
				Target:           desc.Masked(),
				Archive:          opts.ArchivePath,
				Schema:           policy.SchemaRenameTo,
				StartTime:        startTime,
				Duration:         time.Since(startTime),
				ExtensionCreated: result.ExtensionCreated,
			}
			if runErr != nil {
				msg.FailedStep = failedStep
				msg.ErrorMessage = runErr.Error()
			}
			s.sendNotification(ctx, *cfg.Telegram, msg)
		}
	}()

	desc, err := config.ParseJDBCURL(cfg.JDBCURL, cfg.JDBCUser, cfg.JDBCPassword, cfg.PassFile)
	if err != nil {
		return fail(stepConfig, err)
	}

	policy, err = config.ResolvePolicy(desc, cfg.Policy)
	if err != nil {
		return fail(stepConfig, err)
	}
	if err := tracker.advance(models.StagePolicyResolved); err != nil {
		return fail(stepConfig, err)
	}

	if err := s.postgresSvc.LocateTools(models.ActionRestore, cfg.BinDir); err != nil {
		return fail(stepConfig, err)
	}
	if err := s.postgresSvc.ValidateArchive(opts.ArchivePath); err != nil {
		return fail(stepConfig, err)
	}

	s.logger.Info().
		Str("target", desc.Masked()).
		Str("archive", opts.ArchivePath).
		Bool("no_owner", policy.IgnoreOwnership).
		Str("force_role", policy.ForceRole).
		Str("schema_from", policy.SchemaRenameFrom).
		Str("schema_to", policy.SchemaRenameTo).
		Msg("restore requested")

	if opts.DryRun {
		s.logPlan(s.postgresSvc.PlanRestore(desc, policy, opts.ArchivePath))
		result.Duration = time.Since(startTime)
		return result, nil
	}

	req := confirm.Request{Action: models.ActionRestore, Target: desc, Policy: policy, ArchivePath: opts.ArchivePath}
	if err := s.confirmSvc.Confirm(ctx, req, cfg.AssumeYes); err != nil {
		return fail(stepConfirm, err)
	}
	if err := tracker.advance(models.StageConfirmed); err != nil {
		return fail(stepConfirm, err)
	}
	notify = true

	check, err := s.preflightSvc.Check(ctx, desc, policy)
	if err != nil {
		return fail(stepPreflight, err)
	}
	result.ExtensionCreated = check.ExtensionCreated
	if err := tracker.advance(models.StagePreflightPassed); err != nil {
		return fail(stepPreflight, err)
	}

	if err := tracker.advance(models.StageExecuting); err != nil {
		return fail(stepExecute, err)
	}
	if err := s.postgresSvc.Restore(ctx, desc, policy, opts.ArchivePath); err != nil {
		return fail(stepExecute, err)
	}
	if err := tracker.advance(models.StageSucceeded); err != nil {
		return fail(stepExecute, err)
	}

	result.Duration = time.Since(startTime)
	s.logger.Info().
		Str("archive", opts.ArchivePath).
		Bool("extension_created", result.ExtensionCreated).
		Dur("duration", result.Duration).
		Msg("restore completed successfully")

	return result, nil
}

func (s *Impl) logPlan(plan models.InvocationPlan) {
	for i, step := range plan.Steps {
		s.logger.Info().
			Int("step", i+1).
			Str("command", step.String()).
			Strs("env", postgres.MaskEnv(plan.Env)).
			Msg("dry run: would execute")
	}
	if plan.Rewrite.Active() {
		s.logger.Info().
			Str("force_role", plan.Rewrite.ForceRole).
			Bool("strip_ownership", plan.Rewrite.StripOwnership).
			Str("schema_from", plan.Rewrite.SchemaFrom).
			Str("schema_to", plan.Rewrite.SchemaTo).
			Strs("strip_extensions", plan.Rewrite.StripExtensions).
			Msg("dry run: SQL rewrite")
	}
}

func (s *Impl) sendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) {
	// The operation may have been interrupted; the notification is still worth sending.
	ctx = context.WithoutCancel(ctx)

	result, err := s.telegramSvc.SendNotification(ctx, cfg, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}

// stageTracker enforces the restore stage order.
type stageTracker struct {
	result *models.RestoreResult
	logger zerolog.Logger
}

func (t *stageTracker) advance(next models.RestoreStage) error {
	current := t.result.Stage
	if !current.CanAdvance(next) {
		return fmt.Errorf("illegal restore transition %s -> %s", current, next)
	}
	t.result.Stage = next
	t.logger.Debug().
		Str("from", current.String()).
		Str("to", next.String()).
		Msg("restore stage")
	return nil
}

func (t *stageTracker) fail(err error) {
	if t.result.Stage.Terminal() {
		return
	}
	from := t.result.Stage
	t.result.Stage = models.StageFailed
	t.logger.Error().
		Err(err).
		Str("stage", from.String()).
		Msg("restore failed")
}
