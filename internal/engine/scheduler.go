package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/and161185/vazy-sync/internal/retry"
)

// DefaultSchedule is the drain interval used when none is configured.
const DefaultSchedule = "@every 30s"

// Drainer replays the retry queue.
type Drainer interface {
	Drain(ctx context.Context) retry.Outcome
}

// Scheduler drains the retry queue on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	d        Drainer
	schedule cron.Schedule
	spec     string
	log      *zap.Logger

	// OnDrain, when set, receives every non-empty outcome.
	OnDrain func(retry.Outcome)
}

// NewScheduler validates spec ("@every 30s", "*/5 * * * *") and builds a scheduler.
func NewScheduler(d Drainer, spec string, log *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("drain schedule %q: %w", spec, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{d: d, schedule: sched, spec: spec, log: log}, nil
}

// Run drains once immediately, then on schedule until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log.Sugar()})))
	job := cron.FuncJob(func() { s.drain(ctx) })
	c.Schedule(s.schedule, job)

	s.drain(ctx)
	c.Start()
	s.log.Info("drain scheduler started", zap.String("schedule", s.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("drain scheduler stopped")
}

func (s *Scheduler) drain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	out := s.d.Drain(ctx)
	if out.Skipped || (out.Succeeded == 0 && out.Failed == 0 && out.Err == nil) {
		return
	}
	if s.OnDrain != nil {
		s.OnDrain(out)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
