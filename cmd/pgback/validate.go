package main

import (
	"fmt"
	"io"

	"github.com/fgeck/pgback/internal/config"
	"github.com/fgeck/pgback/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate connection settings and policy",
	Long:  `Parse the environment and print the resolved connection and policy without connecting or running any tool.`,
	Args:  cobra.NoArgs,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	desc, policy, err := config.Resolve(cfg)
	if err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	printSummary(cmd.OutOrStdout(), cfg, desc, policy)
	return nil
}

func printSummary(w io.Writer, cfg *models.Settings, desc models.ConnectionDescriptor, policy models.OperationPolicy) {
	orNone := func(s string) string {
		if s == "" {
			return "(none)"
		}
		return s
	}

	credentials := "password"
	if desc.Password == "" {
		credentials = "passfile " + desc.PassFile
	}

	_, _ = fmt.Fprintln(w, "Configuration is valid!")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Connection:")
	_, _ = fmt.Fprintf(w, "  Target: %s\n", desc.Masked())
	_, _ = fmt.Fprintf(w, "  Host: %s\n", desc.Host)
	_, _ = fmt.Fprintf(w, "  Port: %d\n", desc.Port)
	_, _ = fmt.Fprintf(w, "  Database: %s\n", desc.Database)
	_, _ = fmt.Fprintf(w, "  User: %s\n", desc.User)
	_, _ = fmt.Fprintf(w, "  Credentials: %s\n", credentials)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Dump:")
	_, _ = fmt.Fprintf(w, "  Schema filter: %s\n", orNone(policy.SchemaFilter))
	_, _ = fmt.Fprintf(w, "  No privileges: %v\n", policy.NoPrivileges)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Restore:")
	_, _ = fmt.Fprintf(w, "  No owner: %v\n", policy.IgnoreOwnership)
	_, _ = fmt.Fprintf(w, "  Force role: %s\n", orNone(policy.ForceRole))
	if policy.HasRename() {
		_, _ = fmt.Fprintf(w, "  Schema rename: %s -> %s\n", policy.SchemaRenameFrom, policy.SchemaRenameTo)
	} else {
		_, _ = fmt.Fprintln(w, "  Schema rename: (none)")
	}
	_, _ = fmt.Fprintf(w, "  Create extension: %v (%s)\n", policy.CreateExtension, policy.SpatialExtension)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Optional Features:")
	tools := "PATH"
	if cfg.BinDir != "" {
		tools = cfg.BinDir
	}
	_, _ = fmt.Fprintf(w, "  Client tools: %s\n", tools)
	_, _ = fmt.Fprintf(w, "  Assume yes: %v\n", cfg.AssumeYes)
	if cfg.Offsite != nil {
		keep := "all"
		if cfg.Offsite.KeepLast > 0 {
			keep = fmt.Sprintf("last %d", cfg.Offsite.KeepLast)
		}
		_, _ = fmt.Fprintf(w, "  Restic copy: %s (keep %s)\n", cfg.Offsite.Repository, keep)
	} else {
		_, _ = fmt.Fprintln(w, "  Restic copy: false")
	}
	_, _ = fmt.Fprintf(w, "  Telegram: %v\n", cfg.Telegram != nil)
}
