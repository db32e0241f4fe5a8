package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidSlug reports whether s can be used as a public page slug.
func ValidSlug(s string) bool { return len(s) <= 64 && slugRe.MatchString(s) }

// Slugify derives a slug from a display name: accents stripped, lowercase, dashes between words.
func Slugify(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, name)
	if err != nil {
		plain = name
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(plain) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// ProfileInput is the onboarding form.
type ProfileInput struct {
	Name        string
	Slug        string // derived from Name when empty
	ProfileType string
	Timezone    string
}

// ProfilePatch lists the fields to change.
type ProfilePatch struct {
	Name        *string
	Slug        *string
	ProfileType *string
	Timezone    *string
	IsActive    *bool
}

// ProfileStore holds the account's profile.
type ProfileStore struct {
	Status
	eng *engine.Engine
	log *zap.Logger

	edits   engine.KeyedMutex
	mu      sync.RWMutex
	profile *model.Profile
	zone    string // timezone for new profiles and before one exists
}

// NewProfileStore builds the store.
func NewProfileStore(eng *engine.Engine, log *zap.Logger) *ProfileStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileStore{eng: eng, log: log.Named("profile"), zone: model.DefaultTimezone}
}

// SetDefaultTimezone changes the timezone given to new profiles and used
// while none is loaded. An empty name restores the built-in default.
func (s *ProfileStore) SetDefaultTimezone(name string) error {
	if name == "" {
		name = model.DefaultTimezone
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", errs.ErrValidation, name)
	}
	s.mu.Lock()
	s.zone = name
	s.mu.Unlock()
	return nil
}

func (s *ProfileStore) defaultZone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zone
}

// Load fetches the profile. A missing profile is not an error: it returns nil.
func (s *ProfileStore) Load(ctx context.Context) (p *model.Profile, err error) {
	done := s.begin()
	defer func() { done(err) }()

	one := engine.PullOneAs[model.Profile](ctx, s.eng, model.TableProfiles, query.Where("id", s.eng.Owner()))
	s.setStale(one.Stale)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !one.Found {
		s.profile = nil
		if one.Stale {
			return nil, one.Err
		}
		return nil, nil
	}
	item := one.Item
	s.profile = &item
	return s.copy(), readErr(one.Stale, one.Err)
}

func (s *ProfileStore) copy() *model.Profile {
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// Current returns the loaded profile, or nil.
func (s *ProfileStore) Current() *model.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copy()
}

// HasProfile reports whether onboarding is done.
func (s *ProfileStore) HasProfile() bool { return s.Current() != nil }

// Slug returns the public page slug, or "" without a profile.
func (s *ProfileStore) Slug() string {
	if p := s.Current(); p != nil {
		return p.Slug
	}
	return ""
}

// Location returns the profile timezone, or the default one.
func (s *ProfileStore) Location() *time.Location {
	if p := s.Current(); p != nil {
		return p.Location()
	}
	return model.Profile{Timezone: s.defaultZone()}.Location()
}

func validateProfile(p model.Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", errs.ErrValidation)
	}
	if !ValidSlug(p.Slug) {
		return fmt.Errorf("%w: invalid slug %q", errs.ErrValidation, p.Slug)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", errs.ErrValidation, p.Timezone)
	}
	return nil
}

// Create registers the profile of the account.
func (s *ProfileStore) Create(ctx context.Context, in ProfileInput) (p model.Profile, err error) {
	done := s.begin()
	defer func() { done(err) }()

	p = model.Profile{
		ID:          s.eng.Owner(),
		Name:        strings.TrimSpace(in.Name),
		Slug:        in.Slug,
		ProfileType: in.ProfileType,
		Timezone:    in.Timezone,
		IsActive:    true,
		CreatedAt:   model.Now(),
	}
	if p.ID == "" {
		return p, errs.ErrUnauthorized
	}
	if p.Slug == "" {
		p.Slug = Slugify(p.Name)
	}
	if p.ProfileType == "" {
		p.ProfileType = model.DefaultProfileType
	}
	if p.Timezone == "" {
		p.Timezone = s.defaultZone()
	}
	if err := validateProfile(p); err != nil {
		return p, err
	}

	saved, err := engine.InsertAs(ctx, s.eng, model.TableProfiles, p)
	if applied(err) {
		s.mu.Lock()
		s.profile = &saved
		s.mu.Unlock()
	}
	return saved, err
}

// Update changes the loaded profile.
func (s *ProfileStore) Update(ctx context.Context, patch ProfilePatch) (p model.Profile, err error) {
	done := s.begin()
	defer func() { done(err) }()
	defer s.edits.Lock(s.eng.Owner())()

	cur := s.Current()
	if cur == nil {
		return model.Profile{}, errs.ErrNoProfile
	}
	next := *cur
	fields := map[string]any{}
	if patch.Name != nil {
		next.Name = strings.TrimSpace(*patch.Name)
		fields["name"] = next.Name
	}
	if patch.Slug != nil {
		next.Slug = *patch.Slug
		fields["slug"] = next.Slug
	}
	if patch.ProfileType != nil {
		next.ProfileType = *patch.ProfileType
		fields["profile_type"] = next.ProfileType
	}
	if patch.Timezone != nil {
		next.Timezone = *patch.Timezone
		fields["timezone"] = next.Timezone
	}
	if patch.IsActive != nil {
		next.IsActive = *patch.IsActive
		fields["is_active"] = next.IsActive
	}
	if len(fields) == 0 {
		return next, nil
	}
	if err := validateProfile(next); err != nil {
		return *cur, err
	}

	saved, err := engine.PatchAs(ctx, s.eng, model.TableProfiles, next.ID, fields, next)
	if applied(err) {
		s.mu.Lock()
		s.profile = &saved
		s.mu.Unlock()
	}
	return saved, err
}

// Clear forgets the loaded profile, as on sign-out.
func (s *ProfileStore) Clear() {
	s.mu.Lock()
	s.profile = nil
	s.mu.Unlock()
	s.setStale(false)
}
