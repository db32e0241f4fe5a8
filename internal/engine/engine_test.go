package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/local"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
	"github.com/and161185/vazy-sync/internal/remote"
	"github.com/and161185/vazy-sync/internal/remote/remotetest"
	"github.com/and161185/vazy-sync/internal/retry"
)

const owner = "acc-1"

type fixture struct {
	eng    *Engine
	db     *local.DB
	queue  *retry.Queue
	remote *remotetest.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	db, err := local.Open(context.Background(), filepath.Join(t.TempDir(), "vazy.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	conn, err := db.SQL()
	require.NoError(t, err)
	q := retry.New(conn, owner, log)
	rs := remotetest.New(owner)
	return &fixture{eng: New(rs, db, q, owner, log), db: db, queue: q, remote: rs}
}

func timeout() error {
	return remote.Errorf(remote.CodeTransient, context.DeadlineExceeded, "timeout")
}

func appointment() model.CalendarEvent {
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	return model.CalendarEvent{
		ID: model.NewID(), ProfileID: owner, Type: model.EventAppointment,
		StartAt: start, EndAt: start.Add(30 * time.Minute), ClientName: "Zoe",
		Status: model.StatusConfirmed, CancellationToken: model.NewToken(),
	}
}

func TestUpsert_MirrorsConfirmedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := model.Service{ID: model.NewID(), ProfileID: owner, Name: "Cut", Price: 2500, DurationMinutes: 30}

	saved, err := UpsertAs(ctx, f.eng, model.TableServices, svc)
	require.NoError(t, err)
	require.Equal(t, svc, saved)

	cached, err := local.GetAs[model.Service](ctx, f.db, model.TableServices, svc.ID)
	require.NoError(t, err)
	require.Equal(t, svc, cached)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
}

func TestInsert_TimeoutIsQueuedNotMirrored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.FailNext(remotetest.OpInsert, model.TableCalendarEvents, 1, timeout())
	ev := appointment()

	got, err := InsertAs(ctx, f.eng, model.TableCalendarEvents, ev)
	require.Error(t, err)
	require.True(t, IsQueued(err))
	require.ErrorIs(t, err, errs.ErrTransient)
	require.Equal(t, ev, got)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, retry.ActionUpsert, pending[0].Action)
	require.Equal(t, ev.ID, pending[0].RecordID)
	want, _ := json.Marshal(ev)
	require.JSONEq(t, string(want), string(pending[0].Data))

	_, err = f.db.GetRaw(ctx, model.TableCalendarEvents, ev.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpsert_PermissionDeniedIsNotQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.FailNext(remotetest.OpUpsert, "", 1, remote.Errorf(remote.CodePermissionDenied, nil, "42501"))

	_, err := UpsertAs(ctx, f.eng, model.TableServices, model.Service{ID: "s1", ProfileID: owner})
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	require.False(t, IsQueued(err))

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
}

func TestUpsert_ForeignOwnerRejectedBeforeRemote(t *testing.T) {
	f := newFixture(t)
	_, err := UpsertAs(context.Background(), f.eng, model.TableServices, model.Service{ID: "s1", ProfileID: "acc-2"})
	require.ErrorIs(t, err, errs.ErrPermissionDenied)
	require.Zero(t, f.remote.Calls(remotetest.OpUpsert))
}

type brokenCache struct{ Cache }

func (brokenCache) PutRaw(context.Context, string, json.RawMessage) error {
	return errs.ErrStoreUnavailable
}

func TestUpsert_LocalFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	eng := New(f.remote, brokenCache{f.db}, f.queue, owner, zaptest.NewLogger(t))

	_, err := UpsertAs(context.Background(), eng, model.TableServices, model.Service{ID: "s1", ProfileID: owner})
	require.NoError(t, err)
	require.Len(t, f.remote.Rows(model.TableServices), 1)
}

func TestPatch_QueuesFullRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ps := model.PageSettings{ProfileID: owner, Title: "Old", Photos: []string{}, IsPublished: true}
	f.remote.Seed(model.TablePageSettings, ps)

	ps.Title = "New"
	saved, err := PatchAs(ctx, f.eng, model.TablePageSettings, owner, map[string]any{"title": "New"}, ps)
	require.NoError(t, err)
	require.Equal(t, "New", saved.Title)

	f.remote.FailNext(remotetest.OpUpdate, "", 1, timeout())
	ps.Title = "Newer"
	_, err = PatchAs(ctx, f.eng, model.TablePageSettings, owner, map[string]any{"title": "Newer"}, ps)
	require.True(t, IsQueued(err))

	out := f.eng.Drain(ctx)
	require.Equal(t, 1, out.Succeeded)
	cached, err := local.GetAs[model.PageSettings](ctx, f.db, model.TablePageSettings, owner)
	require.NoError(t, err)
	require.Equal(t, "Newer", cached.Title)
}

func TestDelete_AbsentRemotelyIsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Put(ctx, model.TableServices, model.Service{ID: "gone", ProfileID: owner}))

	require.NoError(t, f.eng.Delete(ctx, model.TableServices, "gone"))
	_, err := f.db.GetRaw(ctx, model.TableServices, "gone")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDelete_OfflineQueuedAndReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := model.Service{ID: "s1", ProfileID: owner}
	_, err := UpsertAs(ctx, f.eng, model.TableServices, svc)
	require.NoError(t, err)

	f.remote.Offline()
	err = f.eng.Delete(ctx, model.TableServices, "s1")
	require.True(t, IsQueued(err))
	// not confirmed, so the mirror keeps it
	_, err = f.db.GetRaw(ctx, model.TableServices, "s1")
	require.NoError(t, err)

	f.remote.Heal()
	out := f.eng.Drain(ctx)
	require.Equal(t, 1, out.Succeeded)
	require.Empty(t, f.remote.Rows(model.TableServices))
	_, err = f.db.GetRaw(ctx, model.TableServices, "s1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReplay_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := appointment()
	f.remote.FailNext(remotetest.OpInsert, "", 1, timeout())
	_, err := InsertAs(ctx, f.eng, model.TableCalendarEvents, ev)
	require.True(t, IsQueued(err))

	var qe *QueuedError
	require.True(t, errors.As(err, &qe))
	require.NoError(t, f.eng.Replay(ctx, qe.Entry))
	first := f.remote.Rows(model.TableCalendarEvents)
	require.NoError(t, f.eng.Replay(ctx, qe.Entry))
	second := f.remote.Rows(model.TableCalendarEvents)
	require.Len(t, second, 1)
	require.JSONEq(t, string(first[0]), string(second[0]))
}

func TestDrain_MixedOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Offline()
	var ids []string
	for i := 0; i < 3; i++ {
		ev := appointment()
		ids = append(ids, ev.ID)
		_, err := InsertAs(ctx, f.eng, model.TableCalendarEvents, ev)
		require.True(t, IsQueued(err))
	}
	f.remote.Heal()

	calls := 0
	f.remote.Before = func(_ context.Context, op remotetest.Op, _ string) {
		if op == remotetest.OpUpsert {
			calls++
			if calls == 2 {
				f.remote.FailNext(remotetest.OpUpsert, "", 1, timeout())
			}
		}
	}
	out := f.eng.Drain(ctx)
	require.Equal(t, 2, out.Succeeded)
	require.Equal(t, 1, out.Failed)
	require.Equal(t, ids[1], out.Failures[0].Record)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ids[1], pending[0].RecordID)
}

func TestPull_FallsBackToCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.remote.Seed(model.TableServices, model.Service{ID: model.NewID(), ProfileID: owner, Position: i})
	}
	f.remote.Seed(model.TableServices, model.Service{ID: "foreign", ProfileID: "acc-2"})
	// a foreign row that reached the mirror must still not be served
	require.NoError(t, f.db.Put(ctx, model.TableServices, model.Service{ID: "foreign-local", ProfileID: "acc-2"}))

	q := query.Query{}.OrderBy("position", false)
	fresh := PullAs[model.Service](ctx, f.eng, model.TableServices, q)
	require.False(t, fresh.Stale)
	require.NoError(t, fresh.Err)
	require.Len(t, fresh.Items, 3)

	f.remote.Offline()
	cached := PullAs[model.Service](ctx, f.eng, model.TableServices, q)
	require.True(t, cached.Stale)
	require.ErrorIs(t, cached.Err, errs.ErrTransient)
	require.Equal(t, fresh.Items, cached.Items)
	for _, s := range cached.Items {
		require.Equal(t, owner, s.ProfileID)
	}
}

func TestPull_PrunesRecordsDeletedRemotely(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Put(ctx, model.TableCategories, model.Category{ID: "old", ProfileID: owner}))
	f.remote.Seed(model.TableCategories, model.Category{ID: "new", ProfileID: owner})

	res := PullAs[model.Category](ctx, f.eng, model.TableCategories, query.Query{})
	require.Len(t, res.Items, 1)
	_, err := f.db.GetRaw(ctx, model.TableCategories, "old")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPullOne_NotFoundIsAbsence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Put(ctx, model.TableProfiles, model.Profile{ID: owner, Slug: "cached"}))

	one := PullOneAs[model.Profile](ctx, f.eng, model.TableProfiles, query.Where("id", owner))
	require.False(t, one.Found)
	require.False(t, one.Stale)
	require.NoError(t, one.Err)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
}

func TestPullOne_OfflineServesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Put(ctx, model.TableProfiles, model.Profile{ID: owner, Slug: "cached"}))
	f.remote.Offline()

	one := PullOneAs[model.Profile](ctx, f.eng, model.TableProfiles, query.Where("id", owner))
	require.True(t, one.Found)
	require.True(t, one.Stale)
	require.Equal(t, "cached", one.Item.Slug)
}

func TestCancelledWriteIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := UpsertAs(ctx, f.eng, model.TableServices, model.Service{ID: "s1", ProfileID: owner})
	require.True(t, IsQueued(err))
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestMutations_SerialisedPerRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var active, peak int32
	f.remote.Before = func(_ context.Context, op remotetest.Op, _ string) {
		if op != remotetest.OpUpsert {
			return
		}
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := UpsertAs(ctx, f.eng, model.TableServices, model.Service{ID: "same", ProfileID: owner, Position: i}); err != nil {
				t.Errorf("upsert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&peak))
}
