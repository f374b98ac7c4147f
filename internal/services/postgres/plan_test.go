package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/fgeck/pgback/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDumpPlan(t *testing.T) {
	tests := []struct {
		name     string
		policy   models.OperationPolicy
		contains []string
		excludes []string
	}{
		{
			name:     "whole database",
			policy:   models.OperationPolicy{},
			excludes: []string{"--no-privileges"},
		},
		{
			name:     "schema filter",
			policy:   models.OperationPolicy{SchemaFilter: "geo"},
			contains: []string{"--schema=geo"},
		},
		{
			name:     "mixed-case schema is quoted",
			policy:   models.OperationPolicy{SchemaFilter: "GeoData"},
			contains: []string{`--schema="GeoData"`},
		},
		{
			name:     "no privileges",
			policy:   models.OperationPolicy{NoPrivileges: true},
			contains: []string{"--no-privileges"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := BuildDumpPlan(DefaultTools(), testDescriptor(), tt.policy, "/backups/gis.dump")

			assert.Equal(t, models.ActionDump, plan.Action)
			assert.Equal(t, "/backups/gis.dump", plan.ArchivePath)
			require.Len(t, plan.Steps, 1)

			args := plan.Steps[0].Args
			assert.Contains(t, args, "--format=custom")
			assert.Contains(t, args, "--no-password")
			for _, want := range tt.contains {
				assert.Contains(t, args, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, args, unwanted)
			}
		})
	}
}

func TestBuildRestorePlan_Ownership(t *testing.T) {
	policy := models.OperationPolicy{IgnoreOwnership: false, ForceRole: "gis_owner"}

	plan := BuildRestorePlan(DefaultTools(), testDescriptor(), policy, "/backups/gis.dump", "/tmp/x.sql")

	assert.NotContains(t, plan.Steps[0].Args, "--no-owner")
	assert.False(t, plan.Rewrite.StripOwnership)
	assert.Equal(t, "gis_owner", plan.Rewrite.ForceRole)
	assert.Equal(t, SpatialExtensions, plan.Rewrite.StripExtensions)

	policy.IgnoreOwnership = true
	policy.NoPrivileges = true
	plan = BuildRestorePlan(DefaultTools(), testDescriptor(), policy, "/backups/gis.dump", "/tmp/x.sql")

	assert.Contains(t, plan.Steps[0].Args, "--no-owner")
	assert.Contains(t, plan.Steps[0].Args, "--no-privileges")
	assert.True(t, plan.Rewrite.StripOwnership)
}

func TestBuildRestorePlan_Rename(t *testing.T) {
	policy := models.OperationPolicy{SchemaRenameFrom: "geo", SchemaRenameTo: "geo2"}

	plan := BuildRestorePlan(DefaultTools(), testDescriptor(), policy, "/backups/gis.dump", "/tmp/x.sql")

	assert.Equal(t, "geo", plan.Rewrite.SchemaFrom)
	assert.Equal(t, "geo2", plan.Rewrite.SchemaTo)
	assert.Equal(t, "/backups/gis.dump", plan.Steps[0].Args[len(plan.Steps[0].Args)-1])
	assert.Contains(t, plan.Steps[1].Args, "--file=/tmp/x.sql")
}

func TestPlans_NeverExposePassword(t *testing.T) {
	desc := testDescriptor()
	desc.Password = "hunter2"

	plans := []models.InvocationPlan{
		BuildDumpPlan(DefaultTools(), desc, testPolicy(), "/backups/gis.dump"),
		BuildRestorePlan(DefaultTools(), desc, testPolicy(), "/backups/gis.dump", "/tmp/x.sql"),
	}

	for _, plan := range plans {
		for _, step := range plan.Steps {
			assert.NotContains(t, step.String(), "hunter2")
		}
		assert.Contains(t, plan.Env, "PGPASSWORD=hunter2")
		assert.NotContains(t, strings.Join(MaskEnv(plan.Env), " "), "hunter2")
		assert.Contains(t, MaskEnv(plan.Env), "PGPASSWORD=****")
	}
}

func TestMaskEnv(t *testing.T) {
	env := []string{"PGAPPNAME=pgback", "PGPASSWORD=secret", "PGPASSFILE=/root/.pgpass"}

	masked := MaskEnv(env)

	assert.Equal(t, []string{"PGAPPNAME=pgback", "PGPASSWORD=****", "PGPASSFILE=/root/.pgpass"}, masked)
	// Input is not modified
	assert.Equal(t, "PGPASSWORD=secret", env[1])
}

func TestRequiredTools(t *testing.T) {
	assert.Equal(t, []string{"pg_dump"}, RequiredTools(models.ActionDump))
	assert.Equal(t, []string{"pg_restore", "psql"}, RequiredTools(models.ActionRestore))
}

func TestLocateTools(t *testing.T) {
	found := map[string]string{
		"pg_dump":               "/usr/bin/pg_dump",
		"pg_restore":            "/usr/bin/pg_restore",
		"psql":                  "/usr/bin/psql",
		"/opt/pg16/bin/pg_dump": "/opt/pg16/bin/pg_dump",
		"/opt/pg16/bin/psql":    "/opt/pg16/bin/psql",
	}
	lookPath := func(name string) (string, error) {
		if path, ok := found[name]; ok {
			return path, nil
		}
		return "", errors.New("executable file not found")
	}

	t.Run("dump from PATH", func(t *testing.T) {
		tools, err := LocateTools(models.ActionDump, "", lookPath)
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/pg_dump", tools.PgDump)
	})

	t.Run("restore from PATH", func(t *testing.T) {
		tools, err := LocateTools(models.ActionRestore, "", lookPath)
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/pg_restore", tools.PgRestore)
		assert.Equal(t, "/usr/bin/psql", tools.Psql)
	})

	t.Run("dump without psql or pg_restore", func(t *testing.T) {
		dumpOnly := func(name string) (string, error) {
			if name == "pg_dump" {
				return "/usr/bin/pg_dump", nil
			}
			return "", errors.New("executable file not found")
		}
		tools, err := LocateTools(models.ActionDump, "", dumpOnly)
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/pg_dump", tools.PgDump)
	})

	t.Run("dump from bin dir", func(t *testing.T) {
		tools, err := LocateTools(models.ActionDump, "/opt/pg16/bin", lookPath)
		require.NoError(t, err)
		assert.Equal(t, "/opt/pg16/bin/pg_dump", tools.PgDump)
	})

	t.Run("restore missing pg_restore in bin dir", func(t *testing.T) {
		_, err := LocateTools(models.ActionRestore, "/opt/pg16/bin", lookPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pg_restore not found in /opt/pg16/bin")
		assert.Equal(t, models.ExitConfiguration, models.ExitCode(err))
	})
}
