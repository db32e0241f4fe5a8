package store

import (
	"context"
	"encoding/json"
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

// PageInput is the public page form.
type PageInput struct {
	Title        string
	Description  string
	Instagram    string
	Phone        string
	OpeningHours json.RawMessage
}

// PagePatch lists the fields to change.
type PagePatch struct {
	Title        *string
	Description  *string
	Instagram    *string
	Phone        *string
	OpeningHours json.RawMessage
	IsPublished  *bool
}

// PageSettingsStore holds the public page of the account.
type PageSettingsStore struct {
	Status
	eng *engine.Engine
	log *zap.Logger

	// edits is held from reading the page to writing it back; the gallery
	// is a single array field.
	edits sync.Mutex
	mu    sync.RWMutex
	page  *model.PageSettings
}

// NewPageSettingsStore builds the store.
func NewPageSettingsStore(eng *engine.Engine, log *zap.Logger) *PageSettingsStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageSettingsStore{eng: eng, log: log.Named("page")}
}

// Load fetches the page settings. Nil means none were created yet.
func (s *PageSettingsStore) Load(ctx context.Context) (p *model.PageSettings, err error) {
	done := s.begin()
	defer func() { done(err) }()

	one := engine.PullOneAs[model.PageSettings](ctx, s.eng, model.TablePageSettings, query.Where("profile_id", s.eng.Owner()))
	s.setStale(one.Stale)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !one.Found {
		s.page = nil
		if one.Stale {
			return nil, one.Err
		}
		return nil, nil
	}
	page := one.Item
	s.page = &page
	return s.copy(), readErr(one.Stale, one.Err)
}

func (s *PageSettingsStore) copy() *model.PageSettings {
	if s.page == nil {
		return nil
	}
	p := *s.page
	p.Photos = slices.Clone(p.Photos)
	return &p
}

// Current returns the loaded page settings, or nil.
func (s *PageSettingsStore) Current() *model.PageSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copy()
}

func (s *PageSettingsStore) set(p model.PageSettings) {
	s.mu.Lock()
	s.page = &p
	s.mu.Unlock()
}

func validOpeningHours(raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return fmt.Errorf("%w: opening hours are not valid JSON", errs.ErrValidation)
	}
	return nil
}

// Create publishes the page with no photos.
func (s *PageSettingsStore) Create(ctx context.Context, in PageInput) (p model.PageSettings, err error) {
	done := s.begin()
	defer func() { done(err) }()

	if err := validOpeningHours(in.OpeningHours); err != nil {
		return p, err
	}
	p = model.PageSettings{
		ProfileID:    s.eng.Owner(),
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Photos:       []string{},
		Instagram:    strings.TrimSpace(in.Instagram),
		Phone:        strings.TrimSpace(in.Phone),
		OpeningHours: in.OpeningHours,
		IsPublished:  true,
		UpdatedAt:    model.Now(),
	}
	saved, err := engine.InsertAs(ctx, s.eng, model.TablePageSettings, p)
	if applied(err) {
		s.set(saved)
	}
	return saved, err
}

func (s *PageSettingsStore) loaded() (model.PageSettings, error) {
	cur := s.Current()
	if cur == nil {
		return model.PageSettings{}, fmt.Errorf("page settings: %w", errs.ErrNotFound)
	}
	return *cur, nil
}

func (s *PageSettingsStore) patch(ctx context.Context, next model.PageSettings, fields map[string]any) (model.PageSettings, error) {
	next.UpdatedAt = model.Now()
	fields["updated_at"] = next.UpdatedAt
	saved, err := engine.PatchAs(ctx, s.eng, model.TablePageSettings, next.ProfileID, fields, next)
	if applied(err) {
		s.set(saved)
	}
	return saved, err
}

// Update changes the loaded page settings.
func (s *PageSettingsStore) Update(ctx context.Context, patch PagePatch) (p model.PageSettings, err error) {
	done := s.begin()
	defer func() { done(err) }()
	s.edits.Lock()
	defer s.edits.Unlock()

	cur, err := s.loaded()
	if err != nil {
		return cur, err
	}
	next := cur
	fields := map[string]any{}
	if patch.Title != nil {
		next.Title = strings.TrimSpace(*patch.Title)
		fields["title"] = next.Title
	}
	if patch.Description != nil {
		next.Description = *patch.Description
		fields["description"] = next.Description
	}
	if patch.Instagram != nil {
		next.Instagram = strings.TrimSpace(*patch.Instagram)
		fields["instagram"] = next.Instagram
	}
	if patch.Phone != nil {
		next.Phone = strings.TrimSpace(*patch.Phone)
		fields["phone"] = next.Phone
	}
	if patch.OpeningHours != nil {
		if err := validOpeningHours(patch.OpeningHours); err != nil {
			return cur, err
		}
		next.OpeningHours = patch.OpeningHours
		fields["opening_hours"] = next.OpeningHours
	}
	if patch.IsPublished != nil {
		next.IsPublished = *patch.IsPublished
		fields["is_published"] = next.IsPublished
	}
	if len(fields) == 0 {
		return cur, nil
	}
	return s.patch(ctx, next, fields)
}

// AddPhoto appends url to the gallery. A full gallery yields errs.ErrCapacity.
func (s *PageSettingsStore) AddPhoto(ctx context.Context, url string) (p model.PageSettings, err error) {
	done := s.begin()
	defer func() { done(err) }()
	s.edits.Lock()
	defer s.edits.Unlock()

	cur, err := s.loaded()
	if err != nil {
		return cur, err
	}
	if url == "" {
		return cur, fmt.Errorf("%w: empty photo url", errs.ErrValidation)
	}
	if len(cur.Photos) >= model.MaxPhotos {
		return cur, fmt.Errorf("%d photos already: %w", len(cur.Photos), errs.ErrCapacity)
	}
	next := cur
	next.Photos = append(slices.Clone(cur.Photos), url)
	return s.patch(ctx, next, map[string]any{"photos": next.Photos})
}

// RemovePhoto drops url from the gallery.
func (s *PageSettingsStore) RemovePhoto(ctx context.Context, url string) (p model.PageSettings, err error) {
	done := s.begin()
	defer func() { done(err) }()
	s.edits.Lock()
	defer s.edits.Unlock()

	cur, err := s.loaded()
	if err != nil {
		return cur, err
	}
	i := slices.Index(cur.Photos, url)
	if i < 0 {
		return cur, fmt.Errorf("photo: %w", errs.ErrNotFound)
	}
	next := cur
	next.Photos = slices.Delete(slices.Clone(cur.Photos), i, i+1)
	return s.patch(ctx, next, map[string]any{"photos": next.Photos})
}

// ReorderPhotos sets the gallery order. urls must be a permutation of the current photos.
func (s *PageSettingsStore) ReorderPhotos(ctx context.Context, urls []string) (p model.PageSettings, err error) {
	done := s.begin()
	defer func() { done(err) }()
	s.edits.Lock()
	defer s.edits.Unlock()

	cur, err := s.loaded()
	if err != nil {
		return cur, err
	}
	a, b := slices.Clone(cur.Photos), slices.Clone(urls)
	slices.Sort(a)
	slices.Sort(b)
	if !slices.Equal(a, b) {
		return cur, fmt.Errorf("%w: photo order does not match the gallery", errs.ErrValidation)
	}
	next := cur
	next.Photos = slices.Clone(urls)
	return s.patch(ctx, next, map[string]any{"photos": next.Photos})
}
