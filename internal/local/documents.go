package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
)

// GetRaw returns the document stored under key, or errs.ErrNotFound.
func (db *DB) GetRaw(ctx context.Context, table, key string) (json.RawMessage, error) {
	def, err := model.Table(table)
	if err != nil {
		return nil, err
	}
	if db.conn == nil {
		return nil, errs.ErrStoreUnavailable
	}
	var data string
	q := fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, def.Name, def.Key)
	err = db.conn.QueryRowContext(ctx, q, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("local: %s/%s: %w", table, key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("local: get %s/%s: %w", table, key, err)
	}
	return json.RawMessage(data), nil
}

// Get decodes the document stored under key into dest.
func (db *DB) Get(ctx context.Context, table, key string, dest any) error {
	raw, err := db.GetRaw(ctx, table, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// PutRaw upserts one document by its primary key.
func (db *DB) PutRaw(ctx context.Context, table string, doc json.RawMessage) error {
	return db.BulkPut(ctx, table, []json.RawMessage{doc})
}

// Put encodes v and upserts it.
func (db *DB) Put(ctx context.Context, table string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("local: encode %s: %w", table, err)
	}
	return db.PutRaw(ctx, table, doc)
}

// BulkPut upserts every document in one transaction.
func (db *DB) BulkPut(ctx context.Context, table string, docs []json.RawMessage) (err error) {
	def, err := model.Table(table)
	if err != nil {
		return err
	}
	if db.conn == nil {
		return errs.ErrStoreUnavailable
	}
	if len(docs) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("local: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = fmt.Errorf("local: commit: %w", e)
		}
	}()

	ins := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, data) VALUES (?, ?)
		ON CONFLICT(%[2]s) DO UPDATE SET data = excluded.data`, def.Name, def.Key)
	for i, doc := range docs {
		key, kerr := def.KeyOf(doc)
		if kerr != nil {
			return fmt.Errorf("local: put %s[%d]: %w", table, i, kerr)
		}
		if _, err = tx.ExecContext(ctx, ins, key, string(doc)); err != nil {
			return fmt.Errorf("local: put %s/%s: %w", table, key, err)
		}
	}
	return nil
}

// Delete removes the document stored under key. Missing keys are not an error.
func (db *DB) Delete(ctx context.Context, table, key string) error {
	def, err := model.Table(table)
	if err != nil {
		return err
	}
	if db.conn == nil {
		return errs.ErrStoreUnavailable
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, def.Name, def.Key)
	if _, err := db.conn.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("local: delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Query returns the documents matching q. Without an ordering the result order is unspecified.
func (db *DB) Query(ctx context.Context, table string, q query.Query) ([]json.RawMessage, error) {
	where, args, err := db.where(ctx, table, q)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT data FROM %s%s`, table, where)
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			expr, err := db.column(ctx, table, o.Field)
			if err != nil {
				return nil, err
			}
			if o.Desc {
				expr += " DESC"
			}
			parts = append(parts, expr)
		}
		stmt += " ORDER BY " + strings.Join(parts, ", ")
	}
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("local: query %s: %w", table, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("local: scan %s: %w", table, err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, rows.Err()
}

// Count returns the number of documents matching q.
func (db *DB) Count(ctx context.Context, table string, q query.Query) (int, error) {
	where, args, err := db.where(ctx, table, q)
	if err != nil {
		return 0, err
	}
	var n int
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, table, where)
	if err := db.conn.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("local: count %s: %w", table, err)
	}
	return n, nil
}

func (db *DB) where(ctx context.Context, table string, q query.Query) (string, []any, error) {
	if _, err := model.Table(table); err != nil {
		return "", nil, err
	}
	if db.conn == nil {
		return "", nil, errs.ErrStoreUnavailable
	}
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if len(q.Filters) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(q.Filters))
	args := make([]any, 0, len(q.Filters))
	for _, f := range q.Filters {
		expr, err := db.column(ctx, table, f.Field)
		if err != nil {
			return "", nil, err
		}
		op, _ := f.Op.SQL()
		conds = append(conds, expr+" "+op+" ?")
		args = append(args, query.Normalize(f.Value))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// column resolves a field to its generated column when indexed, or to a json_extract expression.
func (db *DB) column(ctx context.Context, table, field string) (string, error) {
	cols, err := db.columns(ctx, table)
	if err != nil {
		return "", err
	}
	if cols[field] {
		return field, nil
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field), nil
}

func (db *DB) columns(ctx context.Context, table string) (map[string]bool, error) {
	db.colsMu.Lock()
	defer db.colsMu.Unlock()
	if cols, ok := db.cols[table]; ok {
		return cols, nil
	}
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_xinfo(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("local: columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid, notNull, pk, hidden int
			name, typ                string
			dflt                     sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk, &hidden); err != nil {
			return nil, fmt.Errorf("local: columns of %s: %w", table, err)
		}
		if name != "data" {
			cols[name] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	db.cols[table] = cols
	return cols, nil
}

// GetAs loads one document as T.
func GetAs[T any](ctx context.Context, db *DB, table, key string) (T, error) {
	var v T
	err := db.Get(ctx, table, key, &v)
	return v, err
}

// QueryAs runs q and decodes every document as T.
func QueryAs[T any](ctx context.Context, db *DB, table string, q query.Query) ([]T, error) {
	docs, err := db.Query(ctx, table, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d, &v); err != nil {
			return nil, fmt.Errorf("local: decode %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, nil
}
