package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
)

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestCategories_CreateAppendsDisplayOrder(t *testing.T) {
	f := newFixture(t)
	s := NewCategoryStore(f.eng, nil, nil)
	ctx := context.Background()

	a, err := s.Create(ctx, "Flash")
	require.NoError(t, err)
	require.Zero(t, a.DisplayOrder)
	b, err := s.Create(ctx, "Custom")
	require.NoError(t, err)
	require.Equal(t, 1, b.DisplayOrder)

	_, err = s.Create(ctx, "flash")
	require.ErrorIs(t, err, errs.ErrValidation)

	name, ok := s.Name(b.ID)
	require.True(t, ok)
	require.Equal(t, "Custom", name)
}

func TestCategories_LoadOrdersByDisplayOrderThenName(t *testing.T) {
	f := newFixture(t)
	for _, c := range []model.Category{
		{ID: "1", ProfileID: owner, Name: "Zeta", DisplayOrder: 0},
		{ID: "2", ProfileID: owner, Name: "Beta", DisplayOrder: 1},
		{ID: "3", ProfileID: owner, Name: "Alpha", DisplayOrder: 1},
	} {
		f.remote.Seed(model.TableCategories, c)
	}
	s := NewCategoryStore(f.eng, nil, nil)

	list, err := s.Load(context.Background())
	require.NoError(t, err)
	var names []string
	for _, c := range list {
		names = append(names, c.Name)
	}
	require.Equal(t, []string{"Zeta", "Alpha", "Beta"}, names)
}

func TestCategories_DeleteRefusedWhileInUse(t *testing.T) {
	f := newFixture(t)
	services := NewServiceStore(f.eng, nil)
	s := NewCategoryStore(f.eng, services, nil)
	ctx := context.Background()

	cat, err := s.Create(ctx, "Flash")
	require.NoError(t, err)
	for _, name := range []string{"a", "b"} {
		_, err := services.Create(ctx, ServiceInput{Category: "Flash", Name: name, DurationMinutes: 30, Price: 10})
		require.NoError(t, err)
	}

	err = s.Delete(ctx, cat.ID)
	require.ErrorIs(t, err, errs.ErrInUse)
	var inUse *InUseError
	require.True(t, errors.As(err, &inUse))
	require.Equal(t, 2, inUse.Count)
	require.Len(t, s.List(), 1)
	require.Len(t, f.remote.Rows(model.TableCategories), 1)

	for _, svc := range services.List() {
		require.NoError(t, services.Delete(ctx, svc.ID))
	}
	require.NoError(t, s.Delete(ctx, cat.ID))
	require.Empty(t, s.List())
	require.Empty(t, f.remote.Rows(model.TableCategories))
}

func TestCategories_DeleteGuardUsesMemoryWhenOffline(t *testing.T) {
	f := newFixture(t)
	services := NewServiceStore(f.eng, nil)
	s := NewCategoryStore(f.eng, services, nil)
	ctx := context.Background()

	cat, err := s.Create(ctx, "Flash")
	require.NoError(t, err)

	f.remote.Offline()
	// queued, so only in memory
	_, err = services.Create(ctx, ServiceInput{Category: "Flash", Name: "a", DurationMinutes: 30, Price: 10})
	require.Error(t, err)

	err = s.Delete(ctx, cat.ID)
	var inUse *InUseError
	require.True(t, errors.As(err, &inUse))
	require.Equal(t, 1, inUse.Count)
}

func TestCategories_RenameCascadesToServices(t *testing.T) {
	f := newFixture(t)
	services := NewServiceStore(f.eng, nil)
	s := NewCategoryStore(f.eng, services, nil)
	ctx := context.Background()

	cat, err := s.Create(ctx, "Flash")
	require.NoError(t, err)
	svc, err := services.Create(ctx, ServiceInput{Category: "Flash", Name: "a", DurationMinutes: 30, Price: 10})
	require.NoError(t, err)
	other, err := services.Create(ctx, ServiceInput{Category: "Custom", Name: "b", DurationMinutes: 30, Price: 10})
	require.NoError(t, err)

	renamed, err := s.Update(ctx, cat.ID, "Flash day")
	require.NoError(t, err)
	require.Equal(t, "Flash day", renamed.Name)

	got, _ := services.Get(svc.ID)
	require.Equal(t, "Flash day", got.Category)
	got, _ = services.Get(other.ID)
	require.Equal(t, "Custom", got.Category)
	require.Equal(t, 1, services.CountByCategory("Flash day"))
}

func TestCategories_Reorder(t *testing.T) {
	f := newFixture(t)
	s := NewCategoryStore(f.eng, nil, nil)
	ctx := context.Background()

	a, err := s.Create(ctx, "A")
	require.NoError(t, err)
	b, err := s.Create(ctx, "B")
	require.NoError(t, err)

	require.NoError(t, s.Reorder(ctx, []string{b.ID, a.ID}))
	list := s.List()
	require.Equal(t, "B", list[0].Name)
	require.Equal(t, 0, list[0].DisplayOrder)
	require.Equal(t, 1, list[1].DisplayOrder)
}
