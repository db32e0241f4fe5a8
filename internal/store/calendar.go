package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/query"
)

// AppointmentInput is a booking request.
type AppointmentInput struct {
	ServiceID   string
	StartAt     time.Time
	ClientName  string
	ClientPhone string
	ClientEmail string
}

// AppointmentPatch lists the fields to change. A new start or service recomputes the end.
type AppointmentPatch struct {
	ServiceID   *string
	StartAt     *time.Time
	ClientName  *string
	ClientPhone *string
	ClientEmail *string
	Status      *string
}

// Appointment is the flat booking shape used by agenda views.
type Appointment struct {
	ID          string      `json:"id"`
	ServiceID   string      `json:"service_id"`
	ServiceName string      `json:"service_name"`
	ClientName  string      `json:"client_name"`
	ClientPhone string      `json:"client_phone"`
	ClientEmail string      `json:"client_email"`
	Date        string      `json:"date"` // YYYY-MM-DD in the profile timezone
	Time        string      `json:"time"` // HH:MM
	Duration    int         `json:"duration"`
	Price       model.Cents `json:"price"`
	Status      string      `json:"status"`
}

// AsAppointment flattens a booking event in loc.
func AsAppointment(e model.CalendarEvent, loc *time.Location) Appointment {
	start := e.StartAt.In(loc)
	dur := e.ServiceDuration
	if dur == 0 {
		dur = int(e.EndAt.Sub(e.StartAt) / time.Minute)
	}
	return Appointment{
		ID:          e.ID,
		ServiceID:   e.ServiceID,
		ServiceName: e.ServiceName,
		ClientName:  e.ClientName,
		ClientPhone: e.ClientPhone,
		ClientEmail: e.ClientEmail,
		Date:        start.Format(time.DateOnly),
		Time:        start.Format("15:04"),
		Duration:    dur,
		Price:       e.ServicePrice,
		Status:      e.Status,
	}
}

// CalendarStore holds the events of the loaded range.
type CalendarStore struct {
	Status
	eng      *engine.Engine
	services *ServiceStore
	profile  *ProfileStore
	log      *zap.Logger

	edits  engine.KeyedMutex // one booking from read to write
	mu     sync.RWMutex
	events []model.CalendarEvent
}

// NewCalendarStore builds the store. services resolves bookings; profile gives the timezone.
func NewCalendarStore(eng *engine.Engine, services *ServiceStore, profile *ProfileStore, log *zap.Logger) *CalendarStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CalendarStore{eng: eng, services: services, profile: profile, log: log.Named("calendar")}
}

func (s *CalendarStore) location() *time.Location {
	if s.profile != nil {
		return s.profile.Location()
	}
	return model.Profile{}.Location()
}

func sortEvents(list []model.CalendarEvent) {
	slices.SortStableFunc(list, func(a, b model.CalendarEvent) int {
		if c := a.StartAt.Compare(b.StartAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Load fetches the events starting in [from, to).
func (s *CalendarStore) Load(ctx context.Context, from, to time.Time) (list []model.CalendarEvent, err error) {
	done := s.begin()
	defer func() { done(err) }()

	if !from.Before(to) {
		return nil, fmt.Errorf("%w: empty range", errs.ErrValidation)
	}
	q := query.Query{}.
		And("start_at", query.Gte, model.Canonical(from)).
		And("start_at", query.Lt, model.Canonical(to)).
		OrderBy("start_at", false)
	recs := engine.PullAs[model.CalendarEvent](ctx, s.eng, model.TableCalendarEvents, q)
	s.setStale(recs.Stale)
	sortEvents(recs.Items)

	s.mu.Lock()
	s.events = recs.Items
	s.mu.Unlock()
	return s.List(), readErr(recs.Stale, recs.Err)
}

// List returns the loaded events.
func (s *CalendarStore) List() []model.CalendarEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

func (s *CalendarStore) get(id string) (model.CalendarEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(id); i >= 0 {
		return s.events[i], true
	}
	return model.CalendarEvent{}, false
}

func (s *CalendarStore) index(id string) int {
	return slices.IndexFunc(s.events, func(e model.CalendarEvent) bool { return e.ID == id })
}

func (s *CalendarStore) put(e model.CalendarEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(e.ID); i >= 0 {
		s.events[i] = e
	} else {
		s.events = append(s.events, e)
	}
	sortEvents(s.events)
}

func (s *CalendarStore) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		s.events = slices.Delete(s.events, i, i+1)
	}
}

// service resolves a bookable service from memory, then from the remote.
func (s *CalendarStore) service(ctx context.Context, id string) (model.Service, error) {
	if s.services != nil {
		if svc, ok := s.services.Get(id); ok {
			return svc, nil
		}
	}
	one := engine.PullOneAs[model.Service](ctx, s.eng, model.TableServices, query.Where("id", id))
	if !one.Found {
		if one.Err != nil {
			return model.Service{}, one.Err
		}
		return model.Service{}, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	return one.Item, nil
}

// blockedOverlap finds a blocked range intersecting [start, end).
func (s *CalendarStore) blockedOverlap(ctx context.Context, start, end time.Time) (model.CalendarEvent, bool) {
	for _, e := range s.List() {
		if e.Type == model.EventBlocked && e.Overlaps(start, end) {
			return e, true
		}
	}
	q := query.Where("type", string(model.EventBlocked)).
		And("start_at", query.Lt, end).
		And("end_at", query.Gt, start).
		WithLimit(5)
	for _, e := range engine.PullAs[model.CalendarEvent](ctx, s.eng, model.TableCalendarEvents, q).Items {
		if e.Overlaps(start, end) {
			return e, true
		}
	}
	return model.CalendarEvent{}, false
}

func snapshot(e *model.CalendarEvent, svc model.Service) {
	e.ServiceID = svc.ID
	e.ServiceName = svc.Name
	e.ServicePrice = svc.Price
	e.ServiceDuration = svc.DurationMinutes
	e.EndAt = e.StartAt.Add(svc.Duration())
}

// CreateAppointment books a service. The end is derived from the service duration.
func (s *CalendarStore) CreateAppointment(ctx context.Context, in AppointmentInput) (e model.CalendarEvent, err error) {
	done := s.begin()
	defer func() { done(err) }()

	if strings.TrimSpace(in.ClientName) == "" {
		return e, fmt.Errorf("%w: client name is required", errs.ErrValidation)
	}
	if in.StartAt.IsZero() {
		return e, fmt.Errorf("%w: start is required", errs.ErrValidation)
	}
	svc, err := s.service(ctx, in.ServiceID)
	if err != nil {
		return e, err
	}
	if svc.DurationMinutes <= 0 {
		return e, fmt.Errorf("%w: service %s has no duration", errs.ErrValidation, svc.ID)
	}

	now := model.Now()
	e = model.CalendarEvent{
		ID:                model.NewID(),
		ProfileID:         s.eng.Owner(),
		Type:              model.EventAppointment,
		StartAt:           model.Canonical(in.StartAt),
		ClientName:        strings.TrimSpace(in.ClientName),
		ClientPhone:       strings.TrimSpace(in.ClientPhone),
		ClientEmail:       strings.TrimSpace(in.ClientEmail),
		Status:            model.StatusConfirmed,
		CancellationToken: model.NewToken(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	snapshot(&e, svc)
	if b, ok := s.blockedOverlap(ctx, e.StartAt, e.EndAt); ok {
		return e, fmt.Errorf("%s overlaps blocked range %s: %w", e.StartAt.Format(time.RFC3339), b.ID, errs.ErrUnavailable)
	}

	saved, err := engine.InsertAs(ctx, s.eng, model.TableCalendarEvents, e)
	if applied(err) {
		s.put(saved)
	}
	return saved, err
}

// UpdateAppointment changes a loaded booking.
func (s *CalendarStore) UpdateAppointment(ctx context.Context, id string, patch AppointmentPatch) (e model.CalendarEvent, err error) {
	done := s.begin()
	defer func() { done(err) }()
	defer s.edits.Lock(id)()

	cur, ok := s.get(id)
	if !ok || cur.Type != model.EventAppointment {
		return cur, fmt.Errorf("appointment %s: %w", id, errs.ErrNotFound)
	}
	next := cur
	fields := map[string]any{}
	if patch.ClientName != nil {
		next.ClientName = strings.TrimSpace(*patch.ClientName)
		if next.ClientName == "" {
			return cur, fmt.Errorf("%w: client name is required", errs.ErrValidation)
		}
		fields["client_name"] = next.ClientName
	}
	if patch.ClientPhone != nil {
		next.ClientPhone = strings.TrimSpace(*patch.ClientPhone)
		fields["client_phone"] = next.ClientPhone
	}
	if patch.ClientEmail != nil {
		next.ClientEmail = strings.TrimSpace(*patch.ClientEmail)
		fields["client_email"] = next.ClientEmail
	}
	if patch.Status != nil {
		if *patch.Status != model.StatusConfirmed && *patch.Status != model.StatusCancelled {
			return cur, fmt.Errorf("%w: unknown status %q", errs.ErrValidation, *patch.Status)
		}
		next.Status = *patch.Status
		fields["status"] = next.Status
	}
	if patch.StartAt != nil || patch.ServiceID != nil {
		if patch.StartAt != nil {
			next.StartAt = model.Canonical(*patch.StartAt)
		}
		serviceID := cur.ServiceID
		if patch.ServiceID != nil {
			serviceID = *patch.ServiceID
		}
		svc, err := s.service(ctx, serviceID)
		if err != nil {
			return cur, err
		}
		snapshot(&next, svc)
		if b, ok := s.blockedOverlap(ctx, next.StartAt, next.EndAt); ok {
			return cur, fmt.Errorf("%s overlaps blocked range %s: %w", next.StartAt.Format(time.RFC3339), b.ID, errs.ErrUnavailable)
		}
		fields["start_at"] = next.StartAt
		fields["end_at"] = next.EndAt
		fields["service_id"] = next.ServiceID
		fields["service_name"] = next.ServiceName
		fields["service_price"] = next.ServicePrice
		fields["service_duration"] = next.ServiceDuration
	}
	if len(fields) == 0 {
		return cur, nil
	}
	return s.patch(ctx, next, fields)
}

func (s *CalendarStore) patch(ctx context.Context, next model.CalendarEvent, fields map[string]any) (model.CalendarEvent, error) {
	next.UpdatedAt = model.Now()
	fields["updated_at"] = next.UpdatedAt
	saved, err := engine.PatchAs(ctx, s.eng, model.TableCalendarEvents, next.ID, fields, next)
	if applied(err) {
		s.put(saved)
	}
	return saved, err
}

// CancelAppointment cancels the booking holding token. Cancelling twice is a no-op.
func (s *CalendarStore) CancelAppointment(ctx context.Context, token string) (e model.CalendarEvent, err error) {
	done := s.begin()
	defer func() { done(err) }()

	if token == "" {
		return e, fmt.Errorf("%w: empty token", errs.ErrValidation)
	}
	var found bool
	s.mu.RLock()
	if i := slices.IndexFunc(s.events, func(e model.CalendarEvent) bool { return e.CancellationToken == token }); i >= 0 {
		e, found = s.events[i], true
	}
	s.mu.RUnlock()
	if !found {
		one := engine.PullOneAs[model.CalendarEvent](ctx, s.eng, model.TableCalendarEvents, query.Where("cancellation_token", token))
		if !one.Found {
			if one.Err != nil {
				return e, one.Err
			}
			return e, fmt.Errorf("cancellation token: %w", errs.ErrNotFound)
		}
		e = one.Item
	}
	defer s.edits.Lock(e.ID)()
	if cur, ok := s.get(e.ID); ok {
		e = cur
	}
	if e.Status == model.StatusCancelled {
		return e, nil
	}
	e.Status = model.StatusCancelled
	return s.patch(ctx, e, map[string]any{"status": model.StatusCancelled})
}

// DeleteEvent removes a booking or a blocked range.
func (s *CalendarStore) DeleteEvent(ctx context.Context, id string) (err error) {
	done := s.begin()
	defer func() { done(err) }()

	err = s.eng.Delete(ctx, model.TableCalendarEvents, id)
	if applied(err) {
		s.drop(id)
	}
	return err
}

// BlockRange marks [start, end) as unavailable.
func (s *CalendarStore) BlockRange(ctx context.Context, start, end time.Time, reason string) (e model.CalendarEvent, err error) {
	done := s.begin()
	defer func() { done(err) }()

	start, end = model.Canonical(start), model.Canonical(end)
	if !start.Before(end) {
		return e, fmt.Errorf("%w: blocked range ends before it starts", errs.ErrValidation)
	}
	now := model.Now()
	e = model.CalendarEvent{
		ID:        model.NewID(),
		ProfileID: s.eng.Owner(),
		Type:      model.EventBlocked,
		StartAt:   start,
		EndAt:     end,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: now,
		UpdatedAt: now,
	}
	saved, err := engine.InsertAs(ctx, s.eng, model.TableCalendarEvents, e)
	if applied(err) {
		s.put(saved)
	}
	return saved, err
}

// BlockDay blocks the whole calendar day of day in the profile timezone.
func (s *CalendarStore) BlockDay(ctx context.Context, day time.Time, reason string) (model.CalendarEvent, error) {
	loc := s.location()
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return s.BlockRange(ctx, start, start.AddDate(0, 0, 1), reason)
}

// Unblock removes a blocked range.
func (s *CalendarStore) Unblock(ctx context.Context, id string) error {
	if e, ok := s.get(id); ok && e.Type != model.EventBlocked {
		return fmt.Errorf("%w: event %s is not a blocked range", errs.ErrValidation, id)
	}
	return s.DeleteEvent(ctx, id)
}

// Blocked returns the loaded blocked ranges.
func (s *CalendarStore) Blocked() []model.CalendarEvent {
	return s.filter(func(e model.CalendarEvent) bool { return e.Type == model.EventBlocked })
}

// Upcoming returns the bookings starting at or after now, earliest first.
// Cancelled bookings stay listed with their status.
func (s *CalendarStore) Upcoming(now time.Time) []model.CalendarEvent {
	out := s.filter(func(e model.CalendarEvent) bool {
		return e.Type == model.EventAppointment && !e.StartAt.Before(now)
	})
	sortEvents(out)
	return out
}

// ByDay groups the loaded events by local date (YYYY-MM-DD in loc).
func (s *CalendarStore) ByDay(loc *time.Location) map[string][]model.CalendarEvent {
	if loc == nil {
		loc = s.location()
	}
	out := make(map[string][]model.CalendarEvent)
	for _, e := range s.List() {
		day := e.StartAt.In(loc).Format(time.DateOnly)
		out[day] = append(out[day], e)
	}
	return out
}

// Appointments returns the loaded bookings in the flat shape.
func (s *CalendarStore) Appointments() []Appointment {
	loc := s.location()
	var out []Appointment
	for _, e := range s.filter(func(e model.CalendarEvent) bool { return e.Type == model.EventAppointment }) {
		out = append(out, AsAppointment(e, loc))
	}
	return out
}

func (s *CalendarStore) filter(keep func(model.CalendarEvent) bool) []model.CalendarEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CalendarEvent
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
