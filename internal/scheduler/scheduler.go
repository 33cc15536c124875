// Package scheduler handles time-based job scheduling.
// Supports a fixed interval or a cron expression, optionally restricted to a
// daily active window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/logging"
)

const tracerName = "github.com/jakebbass/afilli/internal/scheduler"

var (
	ErrNoSchedule     = errors.New("scheduler: no cron or interval configured")
	ErrAlreadyRunning = errors.New("scheduler: already running")
)

// Job is one unit of scheduled work. Jobs of a pass run in order on the
// scheduler goroutine.
type Job func(ctx context.Context) error

// TimeOfDay is a wall clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (a single digit hour is accepted).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Window is a daily time range. Start is inclusive, End exclusive; a window
// whose end is before its start spans midnight.
type Window struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	now := t.Hour()*60 + t.Minute()
	start, end := w.Start.Minutes(), w.End.Minutes()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

func parseWindow(cfg *config.WindowConfig) (*Window, error) {
	start, err := ParseTimeOfDay(cfg.Start)
	if err != nil {
		return nil, fmt.Errorf("window start: %w", err)
	}
	end, err := ParseTimeOfDay(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("window end: %w", err)
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("window timezone: %w", err)
		}
	}
	return &Window{Start: start, End: end, Location: loc}, nil
}

// Scheduler runs jobs on an interval or cron schedule. Passes never overlap:
// interval passes run on one goroutine and cron passes are wrapped with
// cron.SkipIfStillRunning.
type Scheduler struct {
	mu       sync.Mutex
	cronExpr string
	schedule cron.Schedule
	interval time.Duration
	window   *Window
	jobs     []Job

	running bool
	stop    chan struct{}
	done    chan struct{}
	cron    *cron.Cron
	entry   cron.EntryID
	nextRun time.Time

	logger *logging.Logger
	tracer trace.Tracer
}

// New creates a scheduler with no schedule.
func New() *Scheduler {
	return &Scheduler{
		logger: logging.Component("scheduler"),
		tracer: otel.Tracer(tracerName),
	}
}

// NewFromConfig creates a scheduler from the schedule config section.
func NewFromConfig(cfg *config.ScheduleConfig) (*Scheduler, error) {
	s := New()
	switch {
	case cfg.Cron != "":
		if err := s.SetCron(cfg.Cron); err != nil {
			return nil, err
		}
	case cfg.Interval != "":
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", cfg.Interval, err)
		}
		if err := s.SetInterval(d); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoSchedule
	}
	if cfg.Window != nil {
		if err := s.SetWindow(cfg.Window); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetLogger replaces the scheduler logger.
func (s *Scheduler) SetLogger(l *logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// SetCron switches to a standard five field cron schedule.
func (s *Scheduler) SetCron(expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronExpr = expr
	s.schedule = sched
	s.interval = 0
	return nil
}

// SetInterval switches to a fixed interval schedule.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.cronExpr = ""
	s.schedule = nil
	return nil
}

// SetWindow restricts passes to the window; nil removes the restriction.
func (s *Scheduler) SetWindow(cfg *config.WindowConfig) error {
	var w *Window
	if cfg != nil {
		var err error
		if w, err = parseWindow(cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = w
	return nil
}

// AddJob appends a job to every pass.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// IsInWindow reports whether t is inside the active window. Without a window
// every time is.
func (s *Scheduler) IsInWindow(t time.Time) bool {
	s.mu.Lock()
	w := s.window
	s.mu.Unlock()
	return w == nil || w.Contains(t)
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the time of the next pass, or zero when not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	if s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			return next
		}
		return s.schedule.Next(time.Now())
	}
	return s.nextRun
}

// Start begins scheduling. Interval mode runs one pass immediately. Jobs
// receive ctx; cancelling it ends the schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if s.schedule == nil && s.interval <= 0 {
		return ErrNoSchedule
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	if s.schedule != nil {
		s.startCron(ctx)
	} else {
		s.nextRun = time.Now().Add(s.interval)
		go s.loop(ctx, s.interval, s.stop, s.done)
	}
	s.running = true
	s.logger.InfoCtx("scheduler started", map[string]any{"cron": s.cronExpr, "interval": s.interval.String()})
	return nil
}

func (s *Scheduler) startCron(ctx context.Context) {
	var opts []cron.Option
	if s.window != nil && s.window.Location != nil {
		opts = append(opts, cron.WithLocation(s.window.Location))
	}
	logger := cronLogger{s.logger}
	opts = append(opts, cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	s.cron = cron.New(opts...)
	s.entry = s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.runPass(ctx) }))
	s.cron.Start()

	stop, done, c := s.stop, s.done, s.cron
	go func() {
		defer close(done)
		defer s.finish(stop)
		select {
		case <-ctx.Done():
		case <-stop:
		}
		<-c.Stop().Done()
	}()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	defer s.finish(stop)
	s.runPass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t := <-ticker.C:
			s.mu.Lock()
			s.nextRun = t.Add(interval)
			s.mu.Unlock()
			s.runPass(ctx)
		}
	}
}

// finish clears the running state once the schedule started with stop has
// ended, whether by Stop or by cancellation of the Start context.
func (s *Scheduler) finish(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != stop {
		return
	}
	s.running = false
	s.cron = nil
	s.nextRun = time.Time{}
}

// Stop ends scheduling and waits for an in-flight pass to finish. The pass
// itself is not cancelled. Stopping a scheduler that is not running is a
// no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.running = false
	s.cron = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info("scheduler stopped")
}

// RunOnce runs a single pass now, ignoring the window.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()
	var errs []error
	for _, job := range jobs {
		if err := job(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	if !s.IsInWindow(now) {
		s.logger.DebugCtx("outside active window, skipping pass", map[string]any{"time": now.Format(time.Kitchen)})
		return
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.pass")
	defer span.End()
	if err := s.RunOnce(ctx); err != nil {
		span.RecordError(err)
		s.logger.ErrorCtx("scheduled pass failed", map[string]any{"error": err.Error()})
	}
}

// cronLogger adapts the component logger to cron.Logger.
type cronLogger struct{ l *logging.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.DebugCtx("cron: "+msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	c.l.ErrorCtx("cron: "+msg, fields)
}

func kvFields(kv []any) map[string]any {
	fields := make(map[string]any, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
