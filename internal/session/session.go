// Package session wires one signed-in account: local cache, retry queue,
// remote service, sync engine, entity stores, notices and translations.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/blob"
	"github.com/and161185/vazy-sync/internal/config"
	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/i18n"
	"github.com/and161185/vazy-sync/internal/local"
	"github.com/and161185/vazy-sync/internal/notify"
	"github.com/and161185/vazy-sync/internal/remote"
	"github.com/and161185/vazy-sync/internal/remote/postgres"
	"github.com/and161185/vazy-sync/internal/retry"
	"github.com/and161185/vazy-sync/internal/store"
)

// AccountID verifies an HS256 access token ("Bearer " prefix allowed) and
// returns its subject, which must be a UUID.
func AccountID(token string, key []byte) (string, error) {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", fmt.Errorf("%w: no access token", errs.ErrUnauthorized)
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id.String(), nil
}

// Option customises Open.
type Option func(*options)

type options struct {
	remote remote.Service
	blobs  blob.Store
}

// WithRemote replaces the postgres remote, e.g. with a test double.
func WithRemote(rs remote.Service) Option { return func(o *options) { o.remote = rs } }

// WithBlobs replaces the configured blob directory.
func WithBlobs(b blob.Store) Option { return func(o *options) { o.blobs = b } }

// Session is the per-account object graph. Close releases it.
type Session struct {
	Account string

	Local  *local.DB
	Queue  *retry.Queue
	Engine *engine.Engine

	Profile    *store.ProfileStore
	Services   *store.ServiceStore
	Categories *store.CategoryStore
	Calendar   *store.CalendarStore
	Page       *store.PageSettingsStore
	Photos     *store.PhotoUploader // nil without a blob store

	Notices *notify.Center
	Text    *i18n.Translator

	cfg    config.Config
	remote remote.Service
	pool   *postgres.DB
	log    *zap.Logger
}

const pingTimeout = 5 * time.Second

// Open authenticates cfg.Token and builds the session.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (_ *Session, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	account, err := AccountID(cfg.Token, []byte(cfg.JWTKey))
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("account", account))

	s := &Session{Account: account, cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.Local, err = local.Open(ctx, cfg.LocalPath, log); err != nil {
		return nil, err
	}
	conn, err := s.Local.SQL()
	if err != nil {
		return nil, err
	}
	s.Queue = retry.New(conn, account, log)

	rs := o.remote
	if rs == nil {
		if cfg.RemoteDSN == "" {
			return nil, errors.New("session: remote_dsn is required")
		}
		if s.pool, err = postgres.New(ctx, cfg.RemoteDSN); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		rs = postgres.NewService(s.pool, account)
	}
	s.remote = rs
	s.Engine = engine.New(rs, s.Local, s.Queue, account, log)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	if perr := s.Ping(pctx); perr != nil {
		log.Warn("remote unreachable, working from the local cache", zap.Error(perr))
	}
	cancel()

	s.Profile = store.NewProfileStore(s.Engine, log)
	if err = s.Profile.SetDefaultTimezone(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.Services = store.NewServiceStore(s.Engine, log)
	s.Categories = store.NewCategoryStore(s.Engine, s.Services, log)
	s.Calendar = store.NewCalendarStore(s.Engine, s.Services, s.Profile, log)
	s.Page = store.NewPageSettingsStore(s.Engine, log)

	blobs := o.blobs
	if blobs == nil && cfg.Blob.Dir != "" {
		var key []byte
		if cfg.Blob.SignKey != "" {
			key = []byte(cfg.Blob.SignKey)
		}
		if blobs, err = blob.NewDir(cfg.Blob.Dir, cfg.Blob.BaseURL, key, log); err != nil {
			return nil, err
		}
	}
	if blobs != nil {
		s.Photos = store.NewPhotoUploader(blobs, s.Page, account, log)
	}

	s.Notices = notify.New(log)
	s.Text = i18n.New(cfg.Locale)
	log.Info("session opened", zap.String("local", cfg.LocalPath))
	return s, nil
}

// Ping reports whether the remote backend answers. Services without a
// health check count as reachable.
func (s *Session) Ping(ctx context.Context) error {
	p, ok := s.remote.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Load refreshes profile, services, categories and page settings.
// Stores that fell back to the cache still hold data; their errors are joined.
func (s *Session) Load(ctx context.Context) error {
	_, perr := s.Profile.Load(ctx)
	_, serr := s.Services.Load(ctx)
	_, cerr := s.Categories.Load(ctx)
	_, gerr := s.Page.Load(ctx)
	return errors.Join(perr, serr, cerr, gerr)
}

// Report turns an outcome into a notice. Queued writes are warnings, other
// failures errors, and nil a success with msgKey. It returns the notice id.
func (s *Session) Report(err error, msgKey string) int64 {
	switch {
	case err == nil:
		if msgKey == "" {
			return 0
		}
		return s.Notices.Success(s.Text.Text(msgKey))
	case engine.IsQueued(err):
		return s.Notices.Warning(s.Text.Error(err))
	}
	s.log.Debug("reported", zap.Error(err))
	return s.Notices.Error(s.Text.Error(err))
}

// Scheduler builds the background drain for this session; drained writes show up as notices.
func (s *Session) Scheduler() (*engine.Scheduler, error) {
	sched, err := engine.NewScheduler(s.Engine, s.cfg.DrainSchedule, s.log)
	if err != nil {
		return nil, err
	}
	sched.OnDrain = func(out retry.Outcome) {
		if out.Succeeded > 0 {
			s.Notices.Info(s.Text.Text(i18n.KeySynced, out.Succeeded))
		}
	}
	return sched, nil
}

// Close releases the remote pool and the local database.
func (s *Session) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.Profile != nil {
		s.Profile.Clear()
	}
	if s.Local != nil {
		err := s.Local.Close()
		s.Local = nil
		return err
	}
	return nil
}
