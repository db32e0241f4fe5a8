package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/local"
	"github.com/and161185/vazy-sync/internal/model"
	"github.com/and161185/vazy-sync/internal/remote/remotetest"
	"github.com/and161185/vazy-sync/internal/retry"
)

type calendarFixture struct {
	*fixture
	services *ServiceStore
	cal      *CalendarStore
	svc      model.Service
}

func newCalendar(t *testing.T) *calendarFixture {
	t.Helper()
	f := newFixture(t)
	services := NewServiceStore(f.eng, nil)
	svc, err := services.Create(context.Background(), ServiceInput{Name: "Flash", DurationMinutes: 45, Price: 80})
	require.NoError(t, err)
	return &calendarFixture{fixture: f, services: services, cal: NewCalendarStore(f.eng, services, nil, nil), svc: svc}
}

var june1 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func TestCalendar_CreateAppointmentDerivesEnd(t *testing.T) {
	c := newCalendar(t)

	e, err := c.cal.CreateAppointment(context.Background(), AppointmentInput{
		ServiceID: c.svc.ID, StartAt: june1, ClientName: " Zoe ", ClientPhone: "0600000000",
	})
	require.NoError(t, err)
	require.Equal(t, june1.Add(45*time.Minute), e.EndAt)
	require.Equal(t, model.EventAppointment, e.Type)
	require.Equal(t, model.StatusConfirmed, e.Status)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), e.CancellationToken)
	require.Equal(t, "Zoe", e.ClientName)
	require.Equal(t, "Flash", e.ServiceName)
	require.Equal(t, model.Cents(8000), e.ServicePrice)
	require.Equal(t, 45, e.ServiceDuration)
	require.Len(t, c.cal.List(), 1)
}

func TestCalendar_UnknownServiceRejected(t *testing.T) {
	c := newCalendar(t)
	_, err := c.cal.CreateAppointment(context.Background(), AppointmentInput{ServiceID: "nope", StartAt: june1, ClientName: "Zoe"})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, 1, c.remote.Calls(remotetest.OpInsert))
}

func TestCalendar_InsertTimeoutQueuesFullPayload(t *testing.T) {
	c := newCalendar(t)
	ctx := context.Background()
	c.remote.FailNext(remotetest.OpInsert, model.TableCalendarEvents, 1, timeout())

	e, err := c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1, ClientName: "Zoe"})
	require.True(t, engine.IsQueued(err))

	entries := c.pending(t)
	require.Len(t, entries, 1)
	require.Equal(t, retry.ActionUpsert, entries[0].Action)
	require.Equal(t, model.TableCalendarEvents, entries[0].Table)
	require.Equal(t, e.ID, entries[0].RecordID)
	require.JSONEq(t, mustJSON(t, e), string(entries[0].Data))

	_, err = local.GetAs[model.CalendarEvent](ctx, c.db, model.TableCalendarEvents, e.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Len(t, c.cal.List(), 1)

	out := c.eng.Drain(ctx)
	require.Equal(t, 1, out.Succeeded)
	require.Len(t, c.remote.Rows(model.TableCalendarEvents), 1)
	_, err = local.GetAs[model.CalendarEvent](ctx, c.db, model.TableCalendarEvents, e.ID)
	require.NoError(t, err)
}

func TestCalendar_BlockedRangeRefusesBooking(t *testing.T) {
	c := newCalendar(t)
	ctx := context.Background()

	b, err := c.cal.BlockRange(ctx, june1.Add(time.Hour), june1.Add(3*time.Hour), "holiday")
	require.NoError(t, err)

	_, err = c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1.Add(30 * time.Minute), ClientName: "Zoe"})
	require.ErrorIs(t, err, errs.ErrUnavailable)

	// ends exactly when the block starts
	_, err = c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1.Add(15 * time.Minute), ClientName: "Zoe"})
	require.NoError(t, err)

	// a fresh store sees the remote block
	other := NewCalendarStore(c.eng, c.services, nil, nil)
	_, err = other.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1.Add(2 * time.Hour), ClientName: "Max"})
	require.ErrorIs(t, err, errs.ErrUnavailable)

	require.NoError(t, c.cal.Unblock(ctx, b.ID))
	require.Empty(t, c.cal.Blocked())
}

func TestCalendar_BlockDayUsesProfileTimezone(t *testing.T) {
	c := newCalendar(t)
	profile := NewProfileStore(c.eng, nil)
	_, err := profile.Create(context.Background(), ProfileInput{Name: "Zoe"})
	require.NoError(t, err)
	cal := NewCalendarStore(c.eng, c.services, profile, nil)

	b, err := cal.BlockDay(context.Background(), june1, "closed")
	require.NoError(t, err)
	// Paris is UTC+2 in June
	require.Equal(t, time.Date(2026, 5, 31, 22, 0, 0, 0, time.UTC), b.StartAt)
	require.Equal(t, time.Date(2026, 6, 1, 22, 0, 0, 0, time.UTC), b.EndAt)
	require.Equal(t, model.EventBlocked, b.Type)

	_, err = cal.BlockRange(context.Background(), june1, june1, "")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestCalendar_CancelByToken(t *testing.T) {
	c := newCalendar(t)
	ctx := context.Background()
	e, err := c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1, ClientName: "Zoe"})
	require.NoError(t, err)

	fresh := NewCalendarStore(c.eng, c.services, nil, nil)
	got, err := fresh.CancelAppointment(ctx, e.CancellationToken)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, got.Status)

	again, err := fresh.CancelAppointment(ctx, e.CancellationToken)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, again.Status)

	_, err = fresh.CancelAppointment(ctx, "0123456789abcdef0123456789abcdef")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCalendar_UpdateAppointmentRecomputesEnd(t *testing.T) {
	c := newCalendar(t)
	ctx := context.Background()
	long, err := c.services.Create(ctx, ServiceInput{Name: "Sleeve", DurationMinutes: 180, Price: 400})
	require.NoError(t, err)
	e, err := c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1, ClientName: "Zoe"})
	require.NoError(t, err)

	next := june1.Add(24 * time.Hour)
	upd, err := c.cal.UpdateAppointment(ctx, e.ID, AppointmentPatch{StartAt: &next, ServiceID: &long.ID})
	require.NoError(t, err)
	require.Equal(t, next.Add(3*time.Hour), upd.EndAt)
	require.Equal(t, "Sleeve", upd.ServiceName)
	require.Equal(t, e.CancellationToken, upd.CancellationToken)

	_, err = c.cal.UpdateAppointment(ctx, e.ID, AppointmentPatch{Status: ptr("maybe")})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestCalendar_LoadAndViews(t *testing.T) {
	c := newCalendar(t)
	ctx := context.Background()
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	past, err := c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1, ClientName: "Old"})
	require.NoError(t, err)
	next, err := c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1.Add(48 * time.Hour), ClientName: "New"})
	require.NoError(t, err)
	_, err = c.cal.BlockRange(ctx, june1.Add(72*time.Hour), june1.Add(73*time.Hour), "")
	require.NoError(t, err)
	// outside the loaded window
	_, err = c.cal.CreateAppointment(ctx, AppointmentInput{ServiceID: c.svc.ID, StartAt: june1.AddDate(0, 1, 0), ClientName: "Later"})
	require.NoError(t, err)

	list, err := c.cal.Load(ctx, june1, june1.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, list, 3)

	up := c.cal.Upcoming(june1.Add(time.Hour))
	require.Len(t, up, 1)
	require.Equal(t, "New", up[0].ClientName)

	// in progress: started before now, ends after it
	up = c.cal.Upcoming(june1.Add(10 * time.Minute))
	require.Len(t, up, 1)
	require.Equal(t, "New", up[0].ClientName)

	up = c.cal.Upcoming(june1)
	require.Len(t, up, 2)
	require.Equal(t, "Old", up[0].ClientName)
	require.Equal(t, "New", up[1].ClientName)

	days := c.cal.ByDay(paris)
	require.Len(t, days["2026-06-01"], 1)
	require.Len(t, days["2026-06-03"], 1)

	appts := c.cal.Appointments()
	require.Len(t, appts, 2)
	require.Equal(t, AsAppointment(past, paris), appts[0])
	require.Equal(t, "2026-06-01", appts[0].Date)
	require.Equal(t, "10:00", appts[0].Time)
	require.Equal(t, 45, appts[0].Duration)

	_, err = c.cal.CancelAppointment(ctx, next.CancellationToken)
	require.NoError(t, err)
	up = c.cal.Upcoming(june1.Add(time.Hour))
	require.Len(t, up, 1)
	require.Equal(t, model.StatusCancelled, up[0].Status)

	require.NoError(t, c.cal.DeleteEvent(ctx, past.ID))
	require.Len(t, c.cal.List(), 2)

	_, err = c.cal.Load(ctx, june1, june1)
	require.ErrorIs(t, err, errs.ErrValidation)
}
