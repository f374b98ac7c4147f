// Package models contains the data structures used throughout pgback.
package models

import (
	"fmt"
	"strings"
)

// Action is the operation a single invocation performs.
type Action string

// Supported actions.
const (
	ActionDump    Action = "dump"
	ActionRestore Action = "restore"
)

// Settings holds every raw input read from the environment for one invocation.
type Settings struct {
	JDBCURL      string
	JDBCUser     string
	JDBCPassword string
	PassFile     string // PGPASSFILE or ~/.pgpass when present

	Policy    PolicyInput
	BinDir    string // PG_BIN_DIR, empty means PATH lookup
	AssumeYes bool
	Offsite   *ResticConfig   // nil if not configured
	Telegram  *TelegramConfig // nil if not configured
}

// ResticConfig holds the restic repository that receives a copy of each dump.
type ResticConfig struct {
	Repository   string
	Password     string
	RestUser     string // optional, for REST server auth
	RestPassword string // optional, for REST server auth
	KeepLast     int    // snapshots kept per database, 0 keeps all
}

// PolicyInput holds the optional policy overrides before resolution.
type PolicyInput struct {
	ForceRole       string
	NoOwner         bool
	SchemaMapFrom   string
	SchemaMapTo     string
	SchemaFilter    string
	NoPrivileges    bool
	CreateExtension bool
}

// ConnectionDescriptor is the parsed form of a JDBC URL plus credentials.
type ConnectionDescriptor struct {
	Scheme   string
	Host     string
	Port     int
	Database string
	Schema   string // from currentSchema, empty if absent
	User     string
	Password string
	PassFile string // alternate credential source when Password is empty
}

// Masked renders the descriptor as a URL with the password hidden.
func (d ConnectionDescriptor) Masked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s", d.Scheme, d.User)
	if d.Password != "" {
		b.WriteString(":****")
	}
	fmt.Fprintf(&b, "@%s:%d/%s", d.Host, d.Port, d.Database)
	if d.Schema != "" {
		fmt.Fprintf(&b, "?currentSchema=%s", d.Schema)
	}
	return b.String()
}

// OperationPolicy is the resolved, immutable policy for one dump or restore.
type OperationPolicy struct {
	ForceRole        string
	IgnoreOwnership  bool
	SchemaRenameFrom string
	SchemaRenameTo   string
	SchemaFilter     string
	NoPrivileges     bool
	CreateExtension  bool
	SpatialExtension string
}

// HasRename reports whether a schema rename pair is configured.
func (p OperationPolicy) HasRename() bool {
	return p.SchemaRenameFrom != "" && p.SchemaRenameTo != ""
}
