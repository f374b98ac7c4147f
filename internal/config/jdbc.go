package config

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/fgeck/pgback/internal/models"
)

// JDBCPrefix is the only URL scheme accepted in JDBC_URL.
const JDBCPrefix = "jdbc:postgresql://"

// DefaultPort is used when the JDBC URL carries no port.
const DefaultPort = 5432

// ParseJDBCURL turns a JDBC-style URL and separate credentials into a ConnectionDescriptor.
// An empty password is only accepted when passFile names an alternate credential source.
func ParseJDBCURL(raw, user, password, passFile string) (models.ConnectionDescriptor, error) {
	var desc models.ConnectionDescriptor

	raw = strings.Trim(strings.TrimSpace(raw), `'"`)
	if raw == "" {
		return desc, models.NewConfigurationError("JDBC_URL is required")
	}
	if !strings.HasPrefix(raw, JDBCPrefix) {
		return desc, models.NewConfigurationError("JDBC_URL must start with %s", JDBCPrefix)
	}

	u, err := url.Parse(strings.TrimPrefix(raw, "jdbc:"))
	if err != nil {
		return desc, &models.ConfigurationError{Msg: "JDBC_URL cannot be parsed", Err: err}
	}

	desc.Scheme = u.Scheme
	desc.Host = u.Hostname()
	if desc.Host == "" {
		return desc, models.NewConfigurationError("JDBC_URL has no host")
	}

	desc.Port = DefaultPort
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return desc, models.NewConfigurationError("JDBC_URL has an invalid port %q", p)
		}
		desc.Port = port
	}

	desc.Database = strings.TrimPrefix(u.Path, "/")
	if desc.Database == "" || strings.Contains(desc.Database, "/") {
		return desc, models.NewConfigurationError("JDBC_URL must name exactly one database")
	}

	// Other JDBC driver parameters are ignored.
	desc.Schema = strings.TrimSpace(u.Query().Get("currentSchema"))

	desc.User = strings.TrimSpace(user)
	if desc.User == "" {
		return desc, models.NewConfigurationError("JDBC_USER is required")
	}

	desc.Password = password
	desc.PassFile = passFile
	if desc.Password == "" && desc.PassFile == "" {
		return desc, models.NewConfigurationError("JDBC_PASSWORD is required unless PGPASSFILE or ~/.pgpass provides credentials")
	}

	return desc, nil
}
