package models

import (
	"strings"
	"time"
)

// Command is a single external tool invocation.
type Command struct {
	Name string
	Args []string
}

// String renders the command line. Credentials never appear in Args.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// RewriteRules describe how the plain SQL reconstructed from an archive is rewritten.
type RewriteRules struct {
	ForceRole       string
	StripOwnership  bool
	SchemaFrom      string
	SchemaTo        string
	StripExtensions []string
}

// Active reports whether any rule changes the SQL stream.
func (r RewriteRules) Active() bool {
	return r.ForceRole != "" || r.StripOwnership || r.SchemaFrom != "" || len(r.StripExtensions) > 0
}

// InvocationPlan is the ordered set of tool invocations for one dump or restore.
type InvocationPlan struct {
	Action      Action
	ArchivePath string
	Steps       []Command
	Env         []string // credential overrides scoped to the child processes
	Rewrite     RewriteRules
}

// DumpResult holds the result of a pg_dump operation.
type DumpResult struct {
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
	Offsite    *OffsiteResult // nil unless a restic repository is configured
}

// OffsiteResult holds the outcome of copying an archive into restic.
type OffsiteResult struct {
	SnapshotID       string
	DataAdded        int64
	SnapshotsRemoved int
	Duration         time.Duration
}

// RestoreResult holds the result of a restore attempt.
type RestoreResult struct {
	ArchivePath      string
	Stage            RestoreStage
	ExtensionCreated bool
	Duration         time.Duration
}

// PreflightResult holds the outcome of the pre-restore checks.
type PreflightResult struct {
	ServerVersion    string
	ExtensionVersion string
	ExtensionCreated bool
}
