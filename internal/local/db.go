// Package local is the on-device mirror of remote tables: an embedded SQLite
// database holding one JSON document per record, with generated columns for the
// indexed fields.
//
// Opening the database upgrades it to the latest schema generation. Generations
// 1 and 2 only exist as migration stages; generation 3 is the canonical layout
// (profiles, services, categories, calendar_events, page_settings, sync_queue)
// and generation 4 tags queued writes with their account.
package local

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/errs"
)

//go:embed generations/*.sql
var generationsFS embed.FS

// LatestGeneration is the canonical schema generation.
const LatestGeneration = 4

// DB is the local mirror database.
type DB struct {
	conn *sql.DB
	path string
	log  *zap.Logger

	colsMu sync.Mutex
	cols   map[string]map[string]bool // table -> generated columns
}

// Open opens or creates the database at path and upgrades it to LatestGeneration.
// Every failure wraps errs.ErrStoreUnavailable.
func Open(ctx context.Context, path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, unavailable("create directory", err)
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, unavailable("ping", err)
	}

	db := &DB{conn: conn, path: path, log: log, cols: map[string]map[string]bool{}}
	if err := db.upgrade(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) provider() (*goose.Provider, error) {
	sub, err := fs.Sub(generationsFS, "generations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectSQLite3, db.conn, sub,
		goose.WithGoMigrations(
			goose.NewGoMigration(3, &goose.GoFunc{RunTx: upgradeCanonical}, nil),
		),
	)
}

func (db *DB) upgrade(ctx context.Context) error {
	p, err := db.provider()
	if err != nil {
		return unavailable("schema provider", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return unavailable("upgrade schema", err)
	}
	for _, r := range results {
		db.log.Info("local schema upgraded",
			zap.Int64("generation", r.Source.Version),
			zap.Duration("took", r.Duration))
	}
	return nil
}

// Generation reports the applied schema generation.
func (db *DB) Generation(ctx context.Context) (int64, error) {
	if db.conn == nil {
		return 0, errs.ErrStoreUnavailable
	}
	p, err := db.provider()
	if err != nil {
		return 0, unavailable("schema provider", err)
	}
	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, unavailable("schema version", err)
	}
	return v, nil
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// SQL exposes the connection to packages sharing the file (the retry queue).
func (db *DB) SQL() (*sql.DB, error) {
	if db.conn == nil {
		return nil, errs.ErrStoreUnavailable
	}
	return db.conn, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.log.Warn("wal checkpoint failed", zap.Error(err))
	}
	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return fmt.Errorf("local: close: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("local: %s: %w: %w", op, errs.ErrStoreUnavailable, err)
}
