// Package retry keeps the durable log of remote writes that failed and must be replayed.
//
// The log is append-only: entries are created with synced=false and the only
// later mutation is flipping synced to true after a successful replay.
package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
)

// Action is the replayed mutation kind.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Entry is one queued write.
type Entry struct {
	ID        int64
	Owner     string // "" for entries queued before accounts were recorded
	Table     string
	RecordID  string
	Action    Action
	Data      json.RawMessage
	Synced    bool
	CreatedAt time.Time
}

// Replayer re-sends one queued write to the remote service.
type Replayer interface {
	Replay(ctx context.Context, e Entry) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, e Entry) error

// Replay calls f.
func (f ReplayFunc) Replay(ctx context.Context, e Entry) error { return f(ctx, e) }

// Failure records one entry that could not be replayed.
type Failure struct {
	EntryID int64
	Table   string
	Record  string
	Err     error
}

// Outcome summarises a drain.
type Outcome struct {
	Succeeded int
	Failed    int
	Failures  []Failure
	// Skipped is set when another drain of the same queue was already running.
	Skipped bool
	// Err is set when pending entries could not be read at all.
	Err error
}

// Stats counts queue entries.
type Stats struct {
	Pending int
	Synced  int
}

// Queue is the retry log stored in the sync_queue table of the local database.
// It only sees the entries of its owner and unowned legacy ones; an empty
// owner sees every entry.
type Queue struct {
	db    *sql.DB
	owner string
	log   *zap.Logger

	draining sync.Mutex
}

// New builds the queue of owner over the local database connection.
func New(db *sql.DB, owner string, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{db: db, owner: owner, log: log}
}

// scope returns the owner condition and its arguments.
func (q *Queue) scope() (string, []any) {
	if q.owner == "" {
		return "1 = 1", nil
	}
	return "owner_id IN (?, '')", []any{q.owner}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("retry: %s: %w: %w", op, errs.ErrStoreUnavailable, err)
}

// Enqueue appends an unsynced entry and returns it with its assigned id.
func (q *Queue) Enqueue(ctx context.Context, table, recordID string, action Action, data json.RawMessage) (Entry, error) {
	if q.db == nil {
		return Entry{}, errs.ErrStoreUnavailable
	}
	e := Entry{
		Owner:     q.owner,
		Table:     table,
		RecordID:  recordID,
		Action:    action,
		Data:      data,
		CreatedAt: model.Now(),
	}
	const ins = `INSERT INTO sync_queue (owner_id, table_name, record_id, action, data, synced, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`
	var payload any
	if data != nil {
		payload = string(data)
	}
	res, err := q.db.ExecContext(ctx, ins, q.owner, table, recordID, string(action), payload, e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Entry{}, unavailable("enqueue", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return Entry{}, unavailable("enqueue", err)
	}
	q.log.Info("write queued for retry",
		zap.Int64("entry", e.ID),
		zap.String("table", table),
		zap.String("record", recordID),
		zap.String("action", string(action)))
	return e, nil
}

// Pending returns unsynced entries, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, `AND synced = 0 ORDER BY id`, 0)
}

// List returns the most recent entries, synced or not, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]Entry, error) {
	return q.list(ctx, `ORDER BY id DESC`, limit)
}

func (q *Queue) list(ctx context.Context, tail string, limit int) ([]Entry, error) {
	if q.db == nil {
		return nil, errs.ErrStoreUnavailable
	}
	where, args := q.scope()
	stmt := `SELECT id, owner_id, table_name, record_id, action, data, synced, created_at FROM sync_queue WHERE ` +
		where + ` ` + tail
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			action  string
			data    sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.Owner, &e.Table, &e.RecordID, &action, &data, &e.Synced, &created); err != nil {
			return nil, unavailable("list", err)
		}
		e.Action = Action(action)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

// MarkSynced flags an entry as replayed.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	if q.db == nil {
		return errs.ErrStoreUnavailable
	}
	res, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return unavailable("mark synced", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("retry: entry %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

// Stats counts pending and synced entries.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if q.db == nil {
		return Stats{}, errs.ErrStoreUnavailable
	}
	var s Stats
	where, args := q.scope()
	stmt := `SELECT
		COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0)
		FROM sync_queue WHERE ` + where
	if err := q.db.QueryRowContext(ctx, stmt, args...).Scan(&s.Pending, &s.Synced); err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return s, nil
}

// Drain replays every pending entry in insertion order. A failed entry stays
// pending and the drain moves on; nothing is ever removed. Entries enqueued
// after the pending set was read wait for the next drain. Drain never returns
// an error: problems are logged and reported in the Outcome.
func (q *Queue) Drain(ctx context.Context, r Replayer) Outcome {
	if !q.draining.TryLock() {
		q.log.Debug("drain already running")
		return Outcome{Skipped: true}
	}
	defer q.draining.Unlock()

	pending, err := q.Pending(ctx)
	if err != nil {
		q.log.Error("drain: read pending", zap.Error(err))
		return Outcome{Err: err}
	}

	var out Outcome
	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := r.Replay(ctx, e); err != nil {
			out.Failed++
			out.Failures = append(out.Failures, Failure{EntryID: e.ID, Table: e.Table, Record: e.RecordID, Err: err})
			q.log.Warn("replay failed",
				zap.Int64("entry", e.ID),
				zap.String("table", e.Table),
				zap.String("record", e.RecordID),
				zap.Error(err))
			continue
		}
		if err := q.MarkSynced(ctx, e.ID); err != nil {
			out.Failed++
			out.Failures = append(out.Failures, Failure{EntryID: e.ID, Table: e.Table, Record: e.RecordID, Err: err})
			q.log.Error("mark synced failed", zap.Int64("entry", e.ID), zap.Error(err))
			continue
		}
		out.Succeeded++
	}
	if len(pending) > 0 {
		q.log.Info("drain finished",
			zap.Int("succeeded", out.Succeeded),
			zap.Int("failed", out.Failed),
			zap.Int("pending", len(pending)))
	}
	return out
}
