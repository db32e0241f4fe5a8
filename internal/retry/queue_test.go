package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/local"
)

func openConn(t *testing.T) *sql.DB {
	t.Helper()
	db, err := local.Open(context.Background(), filepath.Join(t.TempDir(), "vazy.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	conn, err := db.SQL()
	require.NoError(t, err)
	return conn
}

func newQueue(t *testing.T) *Queue {
	t.Helper()
	return New(openConn(t), "acc-1", zaptest.NewLogger(t))
}

func TestEnqueue_AppendsUnsynced(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	e, err := q.Enqueue(ctx, "services", "s1", ActionUpsert, json.RawMessage(`{"id":"s1","price":2500}`))
	require.NoError(t, err)
	require.NotZero(t, e.ID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "services", pending[0].Table)
	require.Equal(t, "s1", pending[0].RecordID)
	require.Equal(t, ActionUpsert, pending[0].Action)
	require.False(t, pending[0].Synced)
	require.JSONEq(t, `{"id":"s1","price":2500}`, string(pending[0].Data))
	require.WithinDuration(t, time.Now(), pending[0].CreatedAt, time.Minute)
}

func TestDrain_ContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, "calendar_events", id, ActionUpsert, json.RawMessage(`{"id":"`+id+`"}`))
		require.NoError(t, err)
	}

	var order []string
	out := q.Drain(ctx, ReplayFunc(func(_ context.Context, e Entry) error {
		order = append(order, e.RecordID)
		if e.RecordID == "b" {
			return errors.New("timeout")
		}
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Equal(t, 2, out.Succeeded)
	require.Equal(t, 1, out.Failed)
	require.Len(t, out.Failures, 1)
	require.Equal(t, "b", out.Failures[0].Record)

	all, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3) // never removed
	synced := map[string]bool{}
	for _, e := range all {
		synced[e.RecordID] = e.Synced
	}
	require.Equal(t, map[string]bool{"a": true, "b": false, "c": true}, synced)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Synced: 2}, stats)
}

func TestDrain_SecondPassReplaysOnlyPending(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, "services", "a", ActionDelete, nil)
	require.NoError(t, err)

	fail := true
	replay := ReplayFunc(func(context.Context, Entry) error {
		if fail {
			return errors.New("offline")
		}
		return nil
	})
	require.Equal(t, 1, q.Drain(ctx, replay).Failed)
	fail = false
	out := q.Drain(ctx, replay)
	require.Equal(t, 1, out.Succeeded)
	require.Zero(t, q.Drain(ctx, replay).Succeeded)
}

func TestDrain_SingleFlight(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, "services", "a", ActionUpsert, json.RawMessage(`{}`))
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Drain(ctx, ReplayFunc(func(context.Context, Entry) error {
			close(started)
			<-release
			return nil
		}))
	}()
	<-started
	out := q.Drain(ctx, ReplayFunc(func(context.Context, Entry) error { return nil }))
	require.True(t, out.Skipped)
	close(release)
	wg.Wait()
}

func TestMarkSynced_Unknown(t *testing.T) {
	q := newQueue(t)
	err := q.MarkSynced(context.Background(), 999)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestQueue_WithoutDatabase(t *testing.T) {
	q := New(nil, "acc-1", nil)
	_, err := q.Enqueue(context.Background(), "services", "x", ActionUpsert, nil)
	require.ErrorIs(t, err, errs.ErrStoreUnavailable)
	out := q.Drain(context.Background(), ReplayFunc(func(context.Context, Entry) error { return nil }))
	require.ErrorIs(t, out.Err, errs.ErrStoreUnavailable)
}

func TestQueue_ScopedToOwner(t *testing.T) {
	ctx := context.Background()
	conn := openConn(t)
	a := New(conn, "acc-a", zaptest.NewLogger(t))
	b := New(conn, "acc-b", zaptest.NewLogger(t))

	_, err := a.Enqueue(ctx, "services", "sa", ActionUpsert, json.RawMessage(`{"id":"sa"}`))
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "services", "sb", ActionDelete, nil)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO sync_queue (table_name, record_id, action, data, synced, created_at)
		VALUES ('services', 'old', 'delete', NULL, 0, '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)

	pending, err := a.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "acc-a", pending[0].Owner)
	require.Equal(t, "sa", pending[0].RecordID)
	require.Equal(t, "", pending[1].Owner)

	var replayed []string
	out := b.Drain(ctx, ReplayFunc(func(_ context.Context, e Entry) error {
		replayed = append(replayed, e.RecordID)
		return nil
	}))
	require.Equal(t, 2, out.Succeeded)
	require.Equal(t, []string{"sb", "old"}, replayed)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Synced: 1}, stats)

	all, err := New(conn, "", nil).List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
