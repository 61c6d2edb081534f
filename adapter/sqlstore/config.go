package sqlstore

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Config holds configuration for the SQL adapter.
type Config struct {
	// Driver is a registered database/sql driver name.
	// Default: "sqlite"
	Driver string

	// DSN is passed to sql.Open when DB is nil.
	DSN string

	// Table overrides the schema's table name.
	Table string

	// DB replaces the handle opened on Connect. The adapter does not close a
	// handle it did not open.
	DB *sql.DB

	// MaxOpenConns caps the pool of an opened handle. Zero means unlimited.
	MaxOpenConns int
}

// DefaultConfig returns a Config for an in-memory SQLite database.
func DefaultConfig() Config {
	return Config{Driver: DriverSQLite, DSN: ":memory:"}
}

func (c *Config) validate() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
}

func (c *Config) placeholders() sq.PlaceholderFormat {
	if c.Driver == DriverPostgres || c.Driver == "postgres" {
		return sq.Dollar
	}
	return sq.Question
}

// ConfigFromSettings reads adapter.Config settings. Recognised keys are
// driver, dsn, table, maxOpenConns and db.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if _, ok := settings["dsn"]; ok {
		cfg.DSN = ""
	}
	for key, v := range settings {
		var err error
		switch key {
		case "driver":
			cfg.Driver, err = cast.ToStringE(v)
		case "dsn":
			cfg.DSN, err = cast.ToStringE(v)
		case "table":
			cfg.Table, err = cast.ToStringE(v)
		case "maxOpenConns":
			cfg.MaxOpenConns, err = cast.ToIntE(v)
		case "db":
			db, ok := v.(*sql.DB)
			if !ok {
				err = fmt.Errorf("expected *sql.DB, got %T", v)
			}
			cfg.DB = db
		}
		if err != nil {
			return Config{}, fmt.Errorf("sqlstore: setting %q: %w", key, err)
		}
	}
	return cfg, nil
}
