package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
)

// ServiceInput is the service form. Price is in major units (25.00 = 25 EUR).
type ServiceInput struct {
	Category        string
	Name            string
	Description     string
	DurationMinutes int
	Price           float64
}

// ServicePatch lists the fields to change. Price is in major units.
type ServicePatch struct {
	Category        *string
	Name            *string
	Description     *string
	DurationMinutes *int
	Price           *float64
	IsActive        *bool
}

// ServiceStore holds the account's services ordered by position.
type ServiceStore struct {
	Status
	eng *engine.Engine
	log *zap.Logger

	edits    engine.KeyedMutex // held from read to write of one service
	mu       sync.RWMutex
	services []model.Service
}

// NewServiceStore builds the store.
func NewServiceStore(eng *engine.Engine, log *zap.Logger) *ServiceStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServiceStore{eng: eng, log: log.Named("services")}
}

func sortServices(list []model.Service) {
	slices.SortStableFunc(list, func(a, b model.Service) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// Load fetches all services. When the remote is unreachable the cached list is
// returned together with the remote error.
func (s *ServiceStore) Load(ctx context.Context) (list []model.Service, err error) {
	done := s.begin()
	defer func() { done(err) }()

	recs := engine.PullAs[model.Service](ctx, s.eng, model.TableServices, query.Query{}.OrderBy("position", false))
	s.setStale(recs.Stale)
	sortServices(recs.Items)

	s.mu.Lock()
	s.services = recs.Items
	s.mu.Unlock()
	return s.List(), readErr(recs.Stale, recs.Err)
}

// List returns the loaded services.
func (s *ServiceStore) List() []model.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.services)
}

// Get returns a loaded service.
func (s *ServiceStore) Get(id string) (model.Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(id)
	if i < 0 {
		return model.Service{}, false
	}
	return s.services[i], true
}

// Visible returns the active services, in order.
func (s *ServiceStore) Visible() []model.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Service, 0, len(s.services))
	for _, svc := range s.services {
		if svc.IsActive {
			out = append(out, svc)
		}
	}
	return out
}

// ByCategory groups the loaded services by category name.
func (s *ServiceStore) ByCategory() map[string][]model.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.Service)
	for _, svc := range s.services {
		out[svc.Category] = append(out[svc.Category], svc)
	}
	return out
}

// CountByCategory counts the loaded services in the named category.
func (s *ServiceStore) CountByCategory(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, svc := range s.services {
		if svc.Category == name {
			n++
		}
	}
	return n
}

func (s *ServiceStore) index(id string) int {
	return slices.IndexFunc(s.services, func(svc model.Service) bool { return svc.ID == id })
}

func (s *ServiceStore) put(svc model.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(svc.ID); i >= 0 {
		s.services[i] = svc
	} else {
		s.services = append(s.services, svc)
	}
	sortServices(s.services)
}

func (s *ServiceStore) nextPosition() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.services) == 0 {
		return 0
	}
	top := s.services[0].Position
	for _, svc := range s.services[1:] {
		top = max(top, svc.Position)
	}
	return top + 1
}

func validPrice(p float64) error {
	if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return fmt.Errorf("%w: invalid price %v", errs.ErrValidation, p)
	}
	return nil
}

func validateService(svc model.Service) error {
	if strings.TrimSpace(svc.Name) == "" {
		return fmt.Errorf("%w: service name is required", errs.ErrValidation)
	}
	if svc.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", errs.ErrValidation)
	}
	if svc.Price < 0 {
		return fmt.Errorf("%w: negative price", errs.ErrValidation)
	}
	return nil
}

// Create adds a service at the end of the list.
func (s *ServiceStore) Create(ctx context.Context, in ServiceInput) (svc model.Service, err error) {
	done := s.begin()
	defer func() { done(err) }()

	if err := validPrice(in.Price); err != nil {
		return svc, err
	}
	now := model.Now()
	svc = model.Service{
		ID:              model.NewID(),
		ProfileID:       s.eng.Owner(),
		Category:        strings.TrimSpace(in.Category),
		Name:            strings.TrimSpace(in.Name),
		Description:     in.Description,
		DurationMinutes: in.DurationMinutes,
		Price:           model.FromMajor(in.Price),
		IsActive:        true,
		Position:        s.nextPosition(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := validateService(svc); err != nil {
		return svc, err
	}

	saved, err := engine.InsertAs(ctx, s.eng, model.TableServices, svc)
	if applied(err) {
		s.put(saved)
	}
	return saved, err
}

// Update changes one service.
func (s *ServiceStore) Update(ctx context.Context, id string, patch ServicePatch) (svc model.Service, err error) {
	done := s.begin()
	defer func() { done(err) }()
	defer s.edits.Lock(id)()

	cur, ok := s.Get(id)
	if !ok {
		return svc, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	next := cur
	fields := map[string]any{}
	if patch.Category != nil {
		next.Category = strings.TrimSpace(*patch.Category)
		fields["category"] = next.Category
	}
	if patch.Name != nil {
		next.Name = strings.TrimSpace(*patch.Name)
		fields["name"] = next.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
		fields["description"] = next.Description
	}
	if patch.DurationMinutes != nil {
		next.DurationMinutes = *patch.DurationMinutes
		fields["duration_minutes"] = next.DurationMinutes
	}
	if patch.Price != nil {
		if err := validPrice(*patch.Price); err != nil {
			return cur, err
		}
		next.Price = model.FromMajor(*patch.Price)
		fields["price"] = next.Price
	}
	if patch.IsActive != nil {
		next.IsActive = *patch.IsActive
		fields["is_active"] = next.IsActive
	}
	if len(fields) == 0 {
		return cur, nil
	}
	if err := validateService(next); err != nil {
		return cur, err
	}
	return s.patch(ctx, next, fields)
}

func (s *ServiceStore) patch(ctx context.Context, next model.Service, fields map[string]any) (model.Service, error) {
	next.UpdatedAt = model.Now()
	fields["updated_at"] = next.UpdatedAt
	saved, err := engine.PatchAs(ctx, s.eng, model.TableServices, next.ID, fields, next)
	if applied(err) {
		s.put(saved)
	}
	return saved, err
}

// Delete removes a service. The positions of the others are kept as they are.
func (s *ServiceStore) Delete(ctx context.Context, id string) (err error) {
	done := s.begin()
	defer func() { done(err) }()

	err = s.eng.Delete(ctx, model.TableServices, id)
	if applied(err) {
		s.mu.Lock()
		if i := s.index(id); i >= 0 {
			s.services = slices.Delete(s.services, i, i+1)
		}
		s.mu.Unlock()
	}
	return err
}

// Reorder rewrites positions 0..n-1 following ids. Writes go one by one and
// stop at the first one that is neither confirmed nor queued.
func (s *ServiceStore) Reorder(ctx context.Context, ids []string) (err error) {
	done := s.begin()
	defer func() { done(err) }()

	var queued error
	for pos, id := range ids {
		err := s.setPosition(ctx, id, pos)
		switch {
		case err == nil:
		case engine.IsQueued(err):
			queued = errors.Join(queued, err)
		default:
			return err
		}
	}
	return queued
}

func (s *ServiceStore) setPosition(ctx context.Context, id string, pos int) error {
	defer s.edits.Lock(id)()
	cur, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	if cur.Position == pos {
		return nil
	}
	cur.Position = pos
	_, err := s.patch(ctx, cur, map[string]any{"position": pos})
	return err
}

func (s *ServiceStore) setCategory(ctx context.Context, id, from, to string) error {
	defer s.edits.Lock(id)()
	cur, ok := s.Get(id)
	if !ok || cur.Category != from {
		return nil
	}
	cur.Category = to
	_, err := s.patch(ctx, cur, map[string]any{"category": to})
	return err
}

// RenameCategory moves every service of category from to category to.
func (s *ServiceStore) RenameCategory(ctx context.Context, from, to string) (err error) {
	var queued error
	for _, svc := range s.List() {
		if svc.Category != from {
			continue
		}
		err := s.setCategory(ctx, svc.ID, from, to)
		switch {
		case err == nil:
		case engine.IsQueued(err):
			queued = errors.Join(queued, err)
		default:
			return err
		}
	}
	return queued
}
