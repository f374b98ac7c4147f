package models

import (
	"errors"
	"fmt"
	"strings"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitUnexpected    = 1
	ExitConfiguration = 2
	ExitPreflight     = 3
	ExitToolFailed    = 4
	ExitDeclined      = 5
)

// ErrUserDeclined is returned when the operator does not confirm an operation.
var ErrUserDeclined = errors.New("operation declined by operator")

// ConfigurationError reports bad or missing connection or policy input.
type ConfigurationError struct {
	Msg string
	Err error
}

// NewConfigurationError creates a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PreflightError reports a failed pre-restore check.
type PreflightError struct {
	Check string
	Err   error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check %q failed: %v", e.Check, e.Err)
}

func (e *PreflightError) Unwrap() error { return e.Err }

// ToolError is returned by executors when an external tool exits non-zero.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed (exit code %d)", e.Tool, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// BackupFailedError reports a failed dump.
type BackupFailedError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *BackupFailedError) Error() string {
	return fmt.Sprintf("backup failed: %v", e.Err)
}

func (e *BackupFailedError) Unwrap() error { return e.Err }

// RestoreFailedError reports a failed restore. The target may be partially modified.
type RestoreFailedError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("restore failed: %v", e.Err)
}

func (e *RestoreFailedError) Unwrap() error { return e.Err }

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		cfgErr       *ConfigurationError
		preflightErr *PreflightError
		backupErr    *BackupFailedError
		restoreErr   *RestoreFailedError
	)

	switch {
	case errors.Is(err, ErrUserDeclined):
		return ExitDeclined
	case errors.As(err, &cfgErr):
		return ExitConfiguration
	case errors.As(err, &preflightErr):
		return ExitPreflight
	case errors.As(err, &backupErr), errors.As(err, &restoreErr):
		return ExitToolFailed
	default:
		return ExitUnexpected
	}
}
