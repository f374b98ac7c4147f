package postgres

import (
	"os/exec"
	"path/filepath"

	"github.com/fgeck/pgback/internal/models"
)

// Tool binary names.
const (
	BinPgDump    = "pg_dump"
	BinPgRestore = "pg_restore"
	BinPsql      = "psql"
)

// Tools holds the resolved paths of the PostgreSQL client binaries.
type Tools struct {
	PgDump    string
	PgRestore string
	Psql      string
}

// DefaultTools returns bare binary names, resolved by the OS at exec time.
func DefaultTools() Tools {
	return Tools{PgDump: BinPgDump, PgRestore: BinPgRestore, Psql: BinPsql}
}

// RequiredTools lists the binaries an action needs.
func RequiredTools(action models.Action) []string {
	if action == models.ActionDump {
		return []string{BinPgDump}
	}
	return []string{BinPgRestore, BinPsql}
}

// LocateTools resolves the binaries needed for action, inside binDir when set
// and on PATH otherwise.
func LocateTools(action models.Action, binDir string, lookPath func(string) (string, error)) (Tools, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	tools := DefaultTools()
	for _, name := range RequiredTools(action) {
		candidate := name
		if binDir != "" {
			candidate = filepath.Join(binDir, name)
		}

		path, err := lookPath(candidate)
		if err != nil {
			where := "PATH"
			if binDir != "" {
				where = binDir
			}
			return Tools{}, &models.ConfigurationError{
				Msg: name + " not found in " + where + "; install the PostgreSQL client tools",
				Err: err,
			}
		}

		switch name {
		case BinPgDump:
			tools.PgDump = path
		case BinPgRestore:
			tools.PgRestore = path
		case BinPsql:
			tools.Psql = path
		}
	}

	return tools, nil
}
