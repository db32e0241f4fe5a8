package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
)

// InUseError refuses to delete a category that services still reference.
type InUseError struct {
	Name  string
	Count int
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("category %q is used by %d service(s)", e.Name, e.Count)
}

func (e *InUseError) Unwrap() error { return errs.ErrInUse }

// CategoryStore holds the account's categories ordered by display order, then name.
type CategoryStore struct {
	Status
	eng      *engine.Engine
	services *ServiceStore
	log      *zap.Logger

	edits      engine.KeyedMutex
	mu         sync.RWMutex
	categories []model.Category
}

// NewCategoryStore builds the store. services receives renames.
func NewCategoryStore(eng *engine.Engine, services *ServiceStore, log *zap.Logger) *CategoryStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CategoryStore{eng: eng, services: services, log: log.Named("categories")}
}

func sortCategories(list []model.Category) {
	slices.SortStableFunc(list, func(a, b model.Category) int {
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder - b.DisplayOrder
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// Load fetches all categories.
func (s *CategoryStore) Load(ctx context.Context) (list []model.Category, err error) {
	done := s.begin()
	defer func() { done(err) }()

	q := query.Query{}.OrderBy("display_order", false).OrderBy("name", false)
	recs := engine.PullAs[model.Category](ctx, s.eng, model.TableCategories, q)
	s.setStale(recs.Stale)
	sortCategories(recs.Items)

	s.mu.Lock()
	s.categories = recs.Items
	s.mu.Unlock()
	return s.List(), readErr(recs.Stale, recs.Err)
}

// List returns the loaded categories.
func (s *CategoryStore) List() []model.Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.categories)
}

// Name returns the name of a loaded category.
func (s *CategoryStore) Name(id string) (string, bool) {
	c, ok := s.get(id)
	return c.Name, ok
}

func (s *CategoryStore) get(id string) (model.Category, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(id); i >= 0 {
		return s.categories[i], true
	}
	return model.Category{}, false
}

func (s *CategoryStore) index(id string) int {
	return slices.IndexFunc(s.categories, func(c model.Category) bool { return c.ID == id })
}

func (s *CategoryStore) taken(name, except string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.categories, func(c model.Category) bool {
		return c.ID != except && strings.EqualFold(c.Name, name)
	})
}

func (s *CategoryStore) put(c model.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(c.ID); i >= 0 {
		s.categories[i] = c
	} else {
		s.categories = append(s.categories, c)
	}
	sortCategories(s.categories)
}

func (s *CategoryStore) checkName(name, except string) error {
	if name == "" {
		return fmt.Errorf("%w: category name is required", errs.ErrValidation)
	}
	if s.taken(name, except) {
		return fmt.Errorf("%w: category %q already exists", errs.ErrValidation, name)
	}
	return nil
}

// Create appends a category.
func (s *CategoryStore) Create(ctx context.Context, name string) (c model.Category, err error) {
	done := s.begin()
	defer func() { done(err) }()

	name = strings.TrimSpace(name)
	if err := s.checkName(name, ""); err != nil {
		return c, err
	}
	order := 0
	s.mu.RLock()
	for _, cur := range s.categories {
		order = max(order, cur.DisplayOrder+1)
	}
	s.mu.RUnlock()

	now := model.Now()
	c = model.Category{
		ID:           model.NewID(),
		ProfileID:    s.eng.Owner(),
		Name:         name,
		DisplayOrder: order,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	saved, err := engine.InsertAs(ctx, s.eng, model.TableCategories, c)
	if applied(err) {
		s.put(saved)
	}
	return saved, err
}

// Update renames a category. Services in it follow the new name.
func (s *CategoryStore) Update(ctx context.Context, id, name string) (c model.Category, err error) {
	done := s.begin()
	defer func() { done(err) }()
	defer s.edits.Lock(id)()

	cur, ok := s.get(id)
	if !ok {
		return c, fmt.Errorf("category %s: %w", id, errs.ErrNotFound)
	}
	name = strings.TrimSpace(name)
	if name == cur.Name {
		return cur, nil
	}
	if err := s.checkName(name, id); err != nil {
		return cur, err
	}
	next := cur
	next.Name = name
	next.UpdatedAt = model.Now()
	saved, err := engine.PatchAs(ctx, s.eng, model.TableCategories, id,
		map[string]any{"name": name, "updated_at": next.UpdatedAt}, next)
	if !applied(err) {
		return saved, err
	}
	s.put(saved)
	if s.services != nil {
		if rerr := s.services.RenameCategory(ctx, cur.Name, name); rerr != nil {
			s.log.Warn("service rename incomplete", zap.String("from", cur.Name), zap.String("to", name), zap.Error(rerr))
			err = errors.Join(err, rerr)
		}
	}
	return saved, err
}

// Delete removes a category nobody references. Otherwise it returns *InUseError.
func (s *CategoryStore) Delete(ctx context.Context, id string) (err error) {
	done := s.begin()
	defer func() { done(err) }()

	cur, ok := s.get(id)
	if !ok {
		return fmt.Errorf("category %s: %w", id, errs.ErrNotFound)
	}
	used := s.eng.Pull(ctx, model.TableServices, query.Where("category", cur.Name))
	if used.Stale && used.Err != nil && s.services != nil {
		// the cache may lag behind services created while offline
		if n := s.services.CountByCategory(cur.Name); n > len(used.Records) {
			return &InUseError{Name: cur.Name, Count: n}
		}
	}
	if n := len(used.Records); n > 0 {
		return &InUseError{Name: cur.Name, Count: n}
	}

	err = s.eng.Delete(ctx, model.TableCategories, id)
	if applied(err) {
		s.mu.Lock()
		if i := s.index(id); i >= 0 {
			s.categories = slices.Delete(s.categories, i, i+1)
		}
		s.mu.Unlock()
	}
	return err
}

// Reorder rewrites display orders 0..n-1 following ids.
func (s *CategoryStore) Reorder(ctx context.Context, ids []string) (err error) {
	done := s.begin()
	defer func() { done(err) }()

	var queued error
	for pos, id := range ids {
		cur, ok := s.get(id)
		if !ok {
			return fmt.Errorf("category %s: %w", id, errs.ErrNotFound)
		}
		if cur.DisplayOrder == pos {
			continue
		}
		cur.DisplayOrder = pos
		cur.UpdatedAt = model.Now()
		saved, err := engine.PatchAs(ctx, s.eng, model.TableCategories, id,
			map[string]any{"display_order": pos, "updated_at": cur.UpdatedAt}, cur)
		switch {
		case err == nil:
		case engine.IsQueued(err):
			queued = errors.Join(queued, err)
		default:
			return err
		}
		s.put(saved)
	}
	return queued
}
