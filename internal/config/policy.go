package config

import (
	"strings"

	"github.com/fgeck/pgback/internal/models"
)

// SpatialExtension is the extension the preflight ensures on restore targets.
const SpatialExtension = "postgis"

// ResolvePolicy composes the OperationPolicy from the descriptor and the optional overrides.
func ResolvePolicy(desc models.ConnectionDescriptor, in models.PolicyInput) (models.OperationPolicy, error) {
	from := strings.TrimSpace(in.SchemaMapFrom)
	to := strings.TrimSpace(in.SchemaMapTo)

	switch {
	case from != "" && to == "":
		return models.OperationPolicy{}, models.NewConfigurationError("ambiguous schema rename: SCHEMA_MAP_FROM=%q is set but SCHEMA_MAP_TO is not", from)
	case from == "" && to != "":
		return models.OperationPolicy{}, models.NewConfigurationError("ambiguous schema rename: SCHEMA_MAP_TO=%q is set but SCHEMA_MAP_FROM is not", to)
	case from != "" && from == to:
		return models.OperationPolicy{}, models.NewConfigurationError("schema rename maps %q onto itself", from)
	}

	policy := models.OperationPolicy{
		ForceRole:        strings.TrimSpace(in.ForceRole),
		IgnoreOwnership:  in.NoOwner,
		SchemaRenameFrom: from,
		SchemaRenameTo:   to,
		SchemaFilter:     strings.TrimSpace(in.SchemaFilter),
		NoPrivileges:     in.NoPrivileges,
		CreateExtension:  in.CreateExtension,
		SpatialExtension: SpatialExtension,
	}

	// currentSchema scopes the dump unless a filter was given explicitly.
	if policy.SchemaFilter == "" {
		policy.SchemaFilter = desc.Schema
	}

	return policy, nil
}
