package config

import "fmt"

// History database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// APIConfig contains the read-only history API settings.
type APIConfig struct {
	Listen      string          `mapstructure:"listen"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Auth        BasicAuthConfig `mapstructure:"auth"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Users   []BasicAuthUser `mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user from config.
type BasicAuthUser struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// HistoryConfig contains run history database settings.
type HistoryConfig struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Driver   string               `mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `mapstructure:"sqlite"`
	Postgres PostgresConfig       `mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// Validate checks the history database settings.
func (h *HistoryConfig) Validate() error {
	switch h.Driver {
	case DriverSQLite:
		if h.SQLite.Path == "" {
			return fmt.Errorf("history.sqlite.path is required")
		}
	case DriverPostgres:
		if h.Postgres.Host == "" {
			return fmt.Errorf("history.postgres.host is required")
		}

		if h.Postgres.Database == "" {
			return fmt.Errorf("history.postgres.database is required")
		}
	default:
		return fmt.Errorf("history.driver: unknown driver %q", h.Driver)
	}

	return nil
}

// Validate checks the API settings. The history database must be usable
// as well, since the API serves from it.
func (a *APIConfig) Validate(history *HistoryConfig) error {
	if a.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}

	if a.RateLimit.Enabled && a.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be positive")
	}

	if a.Auth.Enabled {
		if len(a.Auth.Users) == 0 {
			return fmt.Errorf("api.auth.users must not be empty when auth is enabled")
		}

		for i, u := range a.Auth.Users {
			if u.Username == "" || u.Password == "" {
				return fmt.Errorf("api.auth.users[%d]: username and password are required", i)
			}
		}
	}

	return history.Validate()
}
