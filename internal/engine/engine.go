// Package engine is the single write and read path between entity stores, the
// remote service and the local mirror.
//
// Writes go to the remote first. A confirmed write is mirrored locally; a
// retryable failure is appended to the retry queue and reported as *QueuedError;
// other failures are returned untouched. Reads prefer the remote and fall back to
// the mirror, flagging the result as stale.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
	"github.com/and161185/vazy-sync/internal/remote"
	"github.com/and161185/vazy-sync/internal/retry"
)

// Cache is the local mirror. Implemented by *local.DB.
type Cache interface {
	PutRaw(ctx context.Context, table string, doc json.RawMessage) error
	BulkPut(ctx context.Context, table string, docs []json.RawMessage) error
	Delete(ctx context.Context, table, key string) error
	Query(ctx context.Context, table string, q query.Query) ([]json.RawMessage, error)
}

// Queue is the retry log. Implemented by *retry.Queue.
type Queue interface {
	Enqueue(ctx context.Context, table, recordID string, action retry.Action, data json.RawMessage) (retry.Entry, error)
	Drain(ctx context.Context, r retry.Replayer) retry.Outcome
}

// QueuedError reports a write that failed remotely and was queued for replay.
type QueuedError struct {
	Entry retry.Entry
	Err   error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("queued for retry (entry %d): %v", e.Entry.ID, e.Err)
}

func (e *QueuedError) Unwrap() error { return e.Err }

// IsQueued reports whether err is a failed write that will be replayed.
func IsQueued(err error) bool {
	var qe *QueuedError
	return errors.As(err, &qe)
}

// Result is the outcome of a pull. Err carries the remote failure that caused a fallback.
type Result struct {
	Records []json.RawMessage
	Stale   bool
	Err     error
}

// One is the outcome of a single-record pull.
type One struct {
	Record json.RawMessage
	Found  bool
	Stale  bool
	Err    error
}

// Engine serves one account.
type Engine struct {
	remote remote.Service
	cache  Cache
	queue  Queue
	owner  string
	log    *zap.Logger
	locks  KeyedMutex
}

// New builds an engine for the account owner.
func New(rs remote.Service, cache Cache, queue Queue, owner string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{remote: rs, cache: cache, queue: queue, owner: owner, log: log.With(zap.String("owner", owner))}
}

// Owner returns the account the engine writes for.
func (e *Engine) Owner() string { return e.owner }

func (e *Engine) target(table string, doc json.RawMessage) (model.TableDef, string, error) {
	def, err := model.Table(table)
	if err != nil {
		return def, "", fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	key, err := def.KeyOf(doc)
	if err != nil {
		return def, "", err
	}
	owner, err := def.OwnerOf(doc)
	if err != nil {
		return def, "", err
	}
	if owner != e.owner {
		return def, "", fmt.Errorf("%s/%s: owner %q: %w", table, key, owner, errs.ErrPermissionDenied)
	}
	return def, key, nil
}

// Upsert writes a full record.
func (e *Engine) Upsert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	_, key, err := e.target(table, doc)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(table + "/" + key)
	defer unlock()

	saved, err := e.remote.Upsert(ctx, table, doc)
	if err != nil {
		return nil, e.failed(ctx, table, key, retry.ActionUpsert, doc, err)
	}
	e.mirror(ctx, table, key, saved)
	return saved, nil
}

// Insert creates a record. Failed inserts are queued as upserts so replays stay idempotent.
func (e *Engine) Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	_, key, err := e.target(table, doc)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(table + "/" + key)
	defer unlock()

	saved, err := e.remote.Insert(ctx, table, doc)
	if err != nil {
		return nil, e.failed(ctx, table, key, retry.ActionUpsert, doc, err)
	}
	e.mirror(ctx, table, key, saved)
	return saved, nil
}

// Patch sends a partial update. full is the record expected after the patch;
// it is the payload queued when the update has to be replayed.
func (e *Engine) Patch(ctx context.Context, table, key string, patch map[string]any, full json.RawMessage) (json.RawMessage, error) {
	_, fullKey, err := e.target(table, full)
	if err != nil {
		return nil, err
	}
	if fullKey != key {
		return nil, fmt.Errorf("%s: patch key %q does not match record %q: %w", table, key, fullKey, errs.ErrValidation)
	}
	unlock := e.locks.Lock(table + "/" + key)
	defer unlock()

	saved, err := e.remote.Update(ctx, table, key, patch)
	if err != nil {
		return nil, e.failed(ctx, table, key, retry.ActionUpsert, full, err)
	}
	e.mirror(ctx, table, key, saved)
	return saved, nil
}

// Delete removes a record. A record already absent remotely counts as deleted.
func (e *Engine) Delete(ctx context.Context, table, key string) error {
	if _, err := model.Table(table); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	unlock := e.locks.Lock(table + "/" + key)
	defer unlock()

	if err := e.remote.Delete(ctx, table, key); err != nil && !remote.IsNotFound(err) {
		return e.failed(ctx, table, key, retry.ActionDelete, nil, err)
	}
	if err := e.cache.Delete(ctx, table, key); err != nil {
		e.log.Warn("local delete failed", zap.String("table", table), zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (e *Engine) failed(ctx context.Context, table, key string, action retry.Action, doc json.RawMessage, cause error) error {
	if !remote.Retryable(cause) {
		e.log.Info("remote write rejected",
			zap.String("table", table), zap.String("key", key), zap.String("code", string(remote.CodeOf(cause))), zap.Error(cause))
		return cause
	}
	// the queue write must survive a caller that gave up on ctx
	entry, qerr := e.queue.Enqueue(context.WithoutCancel(ctx), table, key, action, doc)
	if qerr != nil {
		e.log.Error("enqueue failed", zap.String("table", table), zap.String("key", key), zap.Error(qerr))
		return fmt.Errorf("%w (not queued: %w)", cause, qerr)
	}
	return &QueuedError{Entry: entry, Err: cause}
}

func (e *Engine) mirror(ctx context.Context, table, key string, doc json.RawMessage) {
	if err := e.cache.PutRaw(context.WithoutCancel(ctx), table, doc); err != nil {
		e.log.Warn("local mirror failed", zap.String("table", table), zap.String("key", key), zap.Error(err))
	}
}

// scope prepends the owner filter to q.
func (e *Engine) scope(def model.TableDef, q query.Query) query.Query {
	scoped := query.Where(def.Owner, e.owner)
	scoped.Filters = append(scoped.Filters, q.Filters...)
	scoped.Order = q.Order
	scoped.Limit = q.Limit
	return scoped
}

// Pull fetches the account's records matching q. It never fails outright: on a
// remote failure the mirror answers and the result is marked stale.
func (e *Engine) Pull(ctx context.Context, table string, q query.Query) Result {
	def, err := model.Table(table)
	if err != nil {
		return Result{Records: []json.RawMessage{}, Stale: true, Err: err}
	}
	scoped := e.scope(def, q)

	recs, err := e.remote.Select(ctx, table, scoped)
	if err == nil {
		if lerr := e.cache.BulkPut(context.WithoutCancel(ctx), table, recs); lerr != nil {
			e.log.Warn("local mirror failed", zap.String("table", table), zap.Error(lerr))
		} else if q.Limit == 0 {
			e.prune(context.WithoutCancel(ctx), def, scoped, recs)
		}
		return Result{Records: recs}
	}

	e.log.Info("remote read failed, serving cache", zap.String("table", table), zap.Error(err))
	cached, lerr := e.cache.Query(context.WithoutCancel(ctx), table, scoped)
	if lerr != nil {
		e.log.Warn("local read failed", zap.String("table", table), zap.Error(lerr))
		return Result{Records: []json.RawMessage{}, Stale: true, Err: errors.Join(err, lerr)}
	}
	return Result{Records: cached, Stale: true, Err: err}
}

// prune drops mirrored records that the remote no longer returns for the same query.
func (e *Engine) prune(ctx context.Context, def model.TableDef, scoped query.Query, fresh []json.RawMessage) {
	keep := make(map[string]bool, len(fresh))
	for _, doc := range fresh {
		if k, err := def.KeyOf(doc); err == nil {
			keep[k] = true
		}
	}
	cached, err := e.cache.Query(ctx, def.Name, scoped)
	if err != nil {
		return
	}
	for _, doc := range cached {
		k, err := def.KeyOf(doc)
		if err != nil || keep[k] {
			continue
		}
		if err := e.cache.Delete(ctx, def.Name, k); err != nil {
			e.log.Warn("local prune failed", zap.String("table", def.Name), zap.String("key", k), zap.Error(err))
		}
	}
}

// PullOne fetches a single record. A remote "no row" is absence: no fallback, no error.
func (e *Engine) PullOne(ctx context.Context, table string, q query.Query) One {
	def, err := model.Table(table)
	if err != nil {
		return One{Stale: true, Err: err}
	}
	scoped := e.scope(def, q)

	rec, err := e.remote.SelectOne(ctx, table, scoped)
	switch {
	case err == nil:
		e.mirror(ctx, table, "", rec)
		return One{Record: rec, Found: true}
	case remote.IsNotFound(err):
		return One{}
	}

	e.log.Info("remote read failed, serving cache", zap.String("table", table), zap.Error(err))
	cached, lerr := e.cache.Query(context.WithoutCancel(ctx), table, scoped.WithLimit(1))
	if lerr != nil {
		return One{Stale: true, Err: errors.Join(err, lerr)}
	}
	if len(cached) == 0 {
		return One{Stale: true, Err: err}
	}
	return One{Record: cached[0], Found: true, Stale: true, Err: err}
}

// Replay re-sends a queued write. It implements retry.Replayer.
func (e *Engine) Replay(ctx context.Context, entry retry.Entry) error {
	unlock := e.locks.Lock(entry.Table + "/" + entry.RecordID)
	defer unlock()

	switch entry.Action {
	case retry.ActionUpsert:
		saved, err := e.remote.Upsert(ctx, entry.Table, entry.Data)
		if err != nil {
			return err
		}
		e.mirror(ctx, entry.Table, entry.RecordID, saved)
		return nil
	case retry.ActionDelete:
		if err := e.remote.Delete(ctx, entry.Table, entry.RecordID); err != nil && !remote.IsNotFound(err) {
			return err
		}
		if err := e.cache.Delete(ctx, entry.Table, entry.RecordID); err != nil {
			e.log.Warn("local delete failed", zap.String("table", entry.Table), zap.String("key", entry.RecordID), zap.Error(err))
		}
		return nil
	}
	return fmt.Errorf("replay: unknown action %q", entry.Action)
}

// Drain replays every pending queue entry.
func (e *Engine) Drain(ctx context.Context) retry.Outcome {
	return e.queue.Drain(ctx, e)
}
