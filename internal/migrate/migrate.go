// Package migrate applies the embedded remote schema to a PostgreSQL backend.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/vazy-sync/migrations"
)

// withProvider opens dsn through the pgx stdlib driver and hands fn a goose
// provider over the embedded schema. The connection is closed afterwards.
func withProvider(dsn string, fn func(*goose.Provider) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open: %w", err)
	}
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return fn(p)
}

// Up applies every pending remote migration.
func Up(ctx context.Context, dsn string) error {
	return withProvider(dsn, func(p *goose.Provider) error {
		if _, err := p.Up(ctx); err != nil {
			return fmt.Errorf("migrate: up: %w", err)
		}
		return nil
	})
}

// Version reports the applied remote schema version (0 on an empty database).
func Version(ctx context.Context, dsn string) (v int64, err error) {
	err = withProvider(dsn, func(p *goose.Provider) error {
		v, err = p.GetDBVersion(ctx)
		return err
	})
	return v, err
}
