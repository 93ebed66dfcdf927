// Package migrations resolves the embedded checkpoint and outbox schema for
// each supported SQL dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	entities "github.com/goliatone/go-entities"
	"github.com/goliatone/go-entities/core"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Root holds the postgres migrations; sqlite variants live in Root/sqlite.
const Root = "data/sql/migrations"

// Source is the migration set applied for one dialect.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// RegisterFunc hands a resolved Source to a migration runner.
type RegisterFunc func(ctx context.Context, source Source) error

// NormalizeDialect maps driver and dialect aliases onto DialectPostgres or
// DialectSQLite.
func NormalizeDialect(name string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case DialectPostgres, "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	case DialectSQLite, "sqlite3":
		return DialectSQLite, nil
	}
	return "", core.NewBadInputError(fmt.Sprintf("migrations: unsupported dialect %q", name))
}

// For returns the embedded migrations for dialect.
func For(dialect string) (Source, error) {
	return resolve(entities.GetMigrationsFS(), dialect)
}

// Register resolves the migrations for dialect and passes them to register.
func Register(ctx context.Context, dialect string, register RegisterFunc) (Source, error) {
	if register == nil {
		return Source{}, core.NewBadInputError("migrations: register function is required")
	}
	source, err := For(dialect)
	if err != nil {
		return Source{}, err
	}
	if err := register(ctx, source); err != nil {
		return source, fmt.Errorf("migrations: register %s (%s): %w", source.Dialect, source.Path, err)
	}
	return source, nil
}

func resolve(root fs.FS, dialect string) (Source, error) {
	normalized, err := NormalizeDialect(dialect)
	if err != nil {
		return Source{}, err
	}
	path := Root
	if normalized == DialectSQLite {
		path = Root + "/sqlite"
	}
	sub, err := fs.Sub(root, path)
	if err != nil {
		return Source{}, core.NewConfigurationError(fmt.Sprintf("migrations: resolve %s: %v", path, err))
	}
	matches, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return Source{}, core.NewConfigurationError(fmt.Sprintf("migrations: glob %s: %v", path, err))
	}
	if len(matches) == 0 {
		return Source{}, core.NewConfigurationError(fmt.Sprintf("migrations: %s has no *.up.sql files", path))
	}
	return Source{Dialect: normalized, Path: path, FS: sub}, nil
}
