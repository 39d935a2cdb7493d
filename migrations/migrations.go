// Package migrations embeds SQL migration files and provides a function to apply them.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files, one directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// Dialect selects the migration set.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Goose returns the goose dialect name for d.
func (d Dialect) Goose() (goose.Dialect, error) {
	switch d {
	case SQLite:
		return goose.DialectSQLite3, nil
	case Postgres:
		return goose.DialectPostgres, nil
	}
	return "", fmt.Errorf("unknown dialect %q", d)
}

// Dir returns the directory in FS holding the migrations for d.
func (d Dialect) Dir() string {
	return string(d)
}

// Run applies all pending migrations to the given database.
func Run(ctx context.Context, db *sql.DB, dialect Dialect) error {
	gd, err := dialect.Goose()
	if err != nil {
		return err
	}
	sub, err := fs.Sub(FS, dialect.Dir())
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(gd, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
