package postgres

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fgeck/pgback/internal/models"
)

// ApplicationName is reported to the server by every child process.
const ApplicationName = "pgback"

// SpatialExtensions are managed by the preflight, never replayed from an archive.
var SpatialExtensions = []string{
	"postgis",
	"postgis_raster",
	"postgis_topology",
	"postgis_sfcgal",
	"postgis_tiger_geocoder",
	"address_standardizer",
	"address_standardizer_data_us",
	"fuzzystrmatch",
}

var simpleIdent = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

// BuildDumpPlan builds the pg_dump invocation for desc and policy.
// Output goes to the command's stdout; the caller owns archivePath.
func BuildDumpPlan(tools Tools, desc models.ConnectionDescriptor, policy models.OperationPolicy, archivePath string) models.InvocationPlan {
	args := connectionArgs(desc)
	args = append(args,
		"--no-password",
		"--format=custom",
		"--blobs",
	)

	if policy.SchemaFilter != "" {
		args = append(args, "--schema="+schemaPattern(policy.SchemaFilter))
	}
	if policy.NoPrivileges {
		args = append(args, "--no-privileges")
	}

	return models.InvocationPlan{
		Action:      models.ActionDump,
		ArchivePath: archivePath,
		Steps:       []models.Command{{Name: tools.PgDump, Args: args}},
		Env:         credentialEnv(desc),
	}
}

// BuildRestorePlan builds the two-step restore: pg_restore reconstructs plain SQL
// from the archive, the SQL is rewritten into sqlPath, and psql applies it in a
// single transaction.
func BuildRestorePlan(tools Tools, desc models.ConnectionDescriptor, policy models.OperationPolicy, archivePath, sqlPath string) models.InvocationPlan {
	restoreArgs := []string{"--format=custom", "--file=-"}
	if policy.IgnoreOwnership {
		restoreArgs = append(restoreArgs, "--no-owner")
	}
	if policy.NoPrivileges {
		restoreArgs = append(restoreArgs, "--no-privileges")
	}
	restoreArgs = append(restoreArgs, archivePath)

	psqlArgs := connectionArgs(desc)
	psqlArgs = append(psqlArgs,
		"--no-password",
		"--no-psqlrc",
		"--quiet",
		"--set=ON_ERROR_STOP=1",
		"--single-transaction",
		"--file="+sqlPath,
	)

	return models.InvocationPlan{
		Action:      models.ActionRestore,
		ArchivePath: archivePath,
		Steps: []models.Command{
			{Name: tools.PgRestore, Args: restoreArgs},
			{Name: tools.Psql, Args: psqlArgs},
		},
		Env: credentialEnv(desc),
		Rewrite: models.RewriteRules{
			ForceRole:       policy.ForceRole,
			StripOwnership:  policy.IgnoreOwnership,
			SchemaFrom:      policy.SchemaRenameFrom,
			SchemaTo:        policy.SchemaRenameTo,
			StripExtensions: SpatialExtensions,
		},
	}
}

func connectionArgs(desc models.ConnectionDescriptor) []string {
	return []string{
		"-h", desc.Host,
		"-p", strconv.Itoa(desc.Port),
		"-U", desc.User,
		"-d", desc.Database,
	}
}

// credentialEnv keeps secrets out of argument lists.
func credentialEnv(desc models.ConnectionDescriptor) []string {
	env := []string{"PGAPPNAME=" + ApplicationName}
	if desc.Password != "" {
		env = append(env, fmt.Sprintf("PGPASSWORD=%s", desc.Password))
	}
	if desc.PassFile != "" {
		env = append(env, fmt.Sprintf("PGPASSFILE=%s", desc.PassFile))
	}
	return env
}

// schemaPattern quotes a schema name for pg_dump's pattern syntax when it is
// not a plain lower-case identifier.
func schemaPattern(name string) string {
	if simpleIdent.MatchString(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// MaskEnv hides credential values, for logging a plan.
func MaskEnv(env []string) []string {
	masked := make([]string, len(env))
	for i, kv := range env {
		if strings.HasPrefix(kv, "PGPASSWORD=") {
			masked[i] = "PGPASSWORD=****"
			continue
		}
		masked[i] = kv
	}
	return masked
}
