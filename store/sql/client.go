package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entities/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// ClientConfig describes the SQL database backing checkpoints and the
// outbox. It satisfies the persistence client config contract.
type ClientConfig struct {
	Driver       string        `koanf:"driver" mapstructure:"driver"`
	DSN          string        `koanf:"dsn" mapstructure:"dsn"`
	Debug        bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout  time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
	MaxOpenConns int           `koanf:"max_open_conns" mapstructure:"max_open_conns"`
	// OtelIdentifier names the client in traces; defaults to go-entities.
	OtelIdentifier string `koanf:"otel_identifier" mapstructure:"otel_identifier"`
}

func (c ClientConfig) GetDebug() bool { return c.Debug }

func (c ClientConfig) GetDriver() string { return c.normalizedDriver() }

func (c ClientConfig) GetServer() string { return c.DSN }

func (c ClientConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ClientConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentifier) == "" {
		return "go-entities"
	}
	return c.OtelIdentifier
}

// MigrationDialect maps the driver to the migrations dialect name.
func (c ClientConfig) MigrationDialect() string {
	if c.normalizedDriver() == DriverSQLite {
		return migrations.DialectSQLite
	}
	return migrations.DialectPostgres
}

func (c ClientConfig) normalizedDriver() string {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "sqlite", "sqlite3":
		return DriverSQLite
	case "postgres", "postgresql", "pg":
		return DriverPostgres
	default:
		return strings.ToLower(strings.TrimSpace(c.Driver))
	}
}

func (c ClientConfig) dialect() (schema.Dialect, error) {
	switch c.normalizedDriver() {
	case DriverSQLite:
		return sqlitedialect.New(), nil
	case DriverPostgres:
		return pgdialect.New(), nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", c.Driver)
	}
}

// NewClient opens the database and wraps it in a persistence client.
func NewClient(cfg ClientConfig) (*persistence.Client, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	dialect, err := cfg.dialect()
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(cfg.normalizedDriver(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.normalizedDriver(), err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	return client, nil
}

// Migrate registers the embedded migrations for dialect and applies them.
func Migrate(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("sqlstore: persistence client is required")
	}
	_, err := migrations.Register(ctx, dialect, func(_ context.Context, source migrations.Source) error {
		client.RegisterSQLMigrations(source.FS)
		return nil
	})
	if err != nil {
		return err
	}
	return client.Migrate(ctx)
}
