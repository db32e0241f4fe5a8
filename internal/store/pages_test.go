package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/remote/remotetest"
)

func newPage(t *testing.T) (*fixture, *PageSettingsStore) {
	t.Helper()
	f := newFixture(t)
	s := NewPageSettingsStore(f.eng, nil)
	_, err := s.Create(context.Background(), PageInput{
		Title:        "Zoe Ink",
		Instagram:    "@zoe.ink",
		OpeningHours: json.RawMessage(`{"mon":["10:00","18:00"]}`),
	})
	require.NoError(t, err)
	return f, s
}

func TestPages_CreatePublishesEmptyGallery(t *testing.T) {
	f, s := newPage(t)

	p := s.Current()
	require.NotNil(t, p)
	require.True(t, p.IsPublished)
	require.Empty(t, p.Photos)
	require.Equal(t, owner, p.ProfileID)

	loaded, err := NewPageSettingsStore(f.eng, nil).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Zoe Ink", loaded.Title)
	require.JSONEq(t, `{"mon":["10:00","18:00"]}`, string(loaded.OpeningHours))
}

func TestPages_FourthPhotoFitsFifthDoesNot(t *testing.T) {
	f, s := newPage(t)
	ctx := context.Background()

	for i := 1; i <= model.MaxPhotos; i++ {
		_, err := s.AddPhoto(ctx, fmt.Sprintf("https://cdn.test/%d.jpg", i))
		require.NoError(t, err)
	}
	require.Len(t, s.Current().Photos, 4)
	require.Equal(t, "https://cdn.test/1.jpg", s.Current().Cover())

	updates := f.remote.Calls(remotetest.OpUpdate)
	_, err := s.AddPhoto(ctx, "https://cdn.test/5.jpg")
	require.ErrorIs(t, err, errs.ErrCapacity)
	require.Len(t, s.Current().Photos, 4)
	require.Equal(t, updates, f.remote.Calls(remotetest.OpUpdate))
}

func TestPages_RemoveAndReorderPhotos(t *testing.T) {
	_, s := newPage(t)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		_, err := s.AddPhoto(ctx, u)
		require.NoError(t, err)
	}

	p, err := s.ReorderPhotos(ctx, []string{"c", "a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, p.Photos)

	_, err = s.ReorderPhotos(ctx, []string{"c", "a"})
	require.ErrorIs(t, err, errs.ErrValidation)

	p, err = s.RemovePhoto(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, p.Photos)

	_, err = s.RemovePhoto(ctx, "a")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPages_UpdateOfflineQueued(t *testing.T) {
	f, s := newPage(t)
	f.remote.Offline()

	p, err := s.Update(context.Background(), PagePatch{Title: ptr("New title"), IsPublished: ptr(false)})
	require.True(t, engine.IsQueued(err))
	require.Equal(t, "New title", p.Title)
	require.False(t, s.Current().IsPublished)
	require.Len(t, f.pending(t), 1)

	_, err = s.Update(context.Background(), PagePatch{OpeningHours: json.RawMessage(`{broken`)})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestPages_WithoutSettings(t *testing.T) {
	f := newFixture(t)
	s := NewPageSettingsStore(f.eng, nil)

	p, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, p)
	_, err = s.AddPhoto(context.Background(), "x")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPages_ConcurrentAddPhotoKeepsBoth(t *testing.T) {
	f, s := newPage(t)
	ctx := context.Background()

	var updates atomic.Int32
	slow := make(chan struct{})
	f.remote.Before = func(_ context.Context, op remotetest.Op, table string) {
		if op == remotetest.OpUpdate && table == model.TablePageSettings && updates.Add(1) == 1 {
			close(slow)
			time.Sleep(300 * time.Millisecond)
		}
	}

	var wg sync.WaitGroup
	failures := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, failures[0] = s.AddPhoto(ctx, "https://cdn.test/1.jpg")
	}()
	<-slow
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, failures[1] = s.AddPhoto(ctx, "https://cdn.test/2.jpg")
	}()
	wg.Wait()

	require.NoError(t, failures[0])
	require.NoError(t, failures[1])
	want := []string{"https://cdn.test/1.jpg", "https://cdn.test/2.jpg"}
	require.Equal(t, want, s.Current().Photos)

	loaded, err := NewPageSettingsStore(f.eng, nil).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, loaded.Photos)
}
