package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/logging"
)

func newQuiet() *Scheduler {
	s := New()
	s.SetLogger(logging.Nop())
	return s
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"09:30", TimeOfDay{9, 30}, false},
		{"9:30", TimeOfDay{9, 30}, false},
		{"00:00", TimeOfDay{0, 0}, false},
		{"23:59", TimeOfDay{23, 59}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"12:5", TimeOfDay{}, true},
		{"1230", TimeOfDay{}, true},
		{"", TimeOfDay{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimeOfDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if !tt.wantErr && got.Minutes() != tt.want.Hour*60+tt.want.Minute {
				t.Errorf("Minutes() = %d", got.Minutes())
			}
		})
	}
	if s := (TimeOfDay{7, 5}).String(); s != "07:05" {
		t.Errorf("String() = %q", s)
	}
}

func TestWindowContains(t *testing.T) {
	business := Window{Start: TimeOfDay{9, 0}, End: TimeOfDay{17, 0}, Location: time.UTC}
	overnight := Window{Start: TimeOfDay{22, 0}, End: TimeOfDay{6, 0}, Location: time.UTC}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		window Window
		time   time.Time
		want   bool
	}{
		{"business inside", business, at(12, 0), true},
		{"business at start", business, at(9, 0), true},
		{"business at end", business, at(17, 0), false},
		{"business before", business, at(8, 59), false},
		{"overnight late", overnight, at(23, 30), true},
		{"overnight early", overnight, at(3, 0), true},
		{"overnight at start", overnight, at(22, 0), true},
		{"overnight at end", overnight, at(6, 0), false},
		{"overnight midday", overnight, at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.window.Contains(tt.time); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.time.Format("15:04"), got, tt.want)
			}
		})
	}

	// The window is evaluated in its own location.
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tz database unavailable")
	}
	w := Window{Start: TimeOfDay{9, 0}, End: TimeOfDay{17, 0}, Location: ny}
	if !w.Contains(time.Date(2026, 1, 15, 15, 0, 0, 0, time.UTC)) { // 10:00 EST
		t.Error("15:00 UTC should be inside 09:00-17:00 New York")
	}
}

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ScheduleConfig
		wantErr error // nil means success; errAny means any error
	}{
		{"cron", config.ScheduleConfig{Cron: "0 2 * * *"}, nil},
		{"interval", config.ScheduleConfig{Interval: "1m"}, nil},
		{"cron with window", config.ScheduleConfig{Cron: "*/5 * * * *", Window: &config.WindowConfig{Start: "22:00", End: "06:00", Timezone: "UTC"}}, nil},
		{"empty", config.ScheduleConfig{}, ErrNoSchedule},
		{"bad cron", config.ScheduleConfig{Cron: "every day"}, errAny},
		{"bad interval", config.ScheduleConfig{Interval: "soon"}, errAny},
		{"zero interval", config.ScheduleConfig{Interval: "0s"}, errAny},
		{"bad window start", config.ScheduleConfig{Interval: "1m", Window: &config.WindowConfig{Start: "25:00", End: "06:00"}}, errAny},
		{"bad window end", config.ScheduleConfig{Interval: "1m", Window: &config.WindowConfig{Start: "22:00", End: "late"}}, errAny},
		{"bad timezone", config.ScheduleConfig{Interval: "1m", Window: &config.WindowConfig{Start: "22:00", End: "06:00", Timezone: "Mars/Olympus"}}, errAny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewFromConfig(&tt.cfg)
			switch {
			case tt.wantErr == nil && err != nil:
				t.Fatalf("NewFromConfig() error = %v", err)
			case tt.wantErr == errAny && err == nil:
				t.Fatal("NewFromConfig() expected error")
			case tt.wantErr != nil && tt.wantErr != errAny && !errors.Is(err, tt.wantErr):
				t.Fatalf("NewFromConfig() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.cfg.Cron != "" && s.cronExpr != tt.cfg.Cron {
				t.Errorf("cronExpr = %q", s.cronExpr)
			}
			if tt.cfg.Interval == "1m" && s.interval != time.Minute {
				t.Errorf("interval = %v", s.interval)
			}
			if tt.cfg.Window != nil && (s.window == nil || s.window.Start != (TimeOfDay{22, 0}) || s.window.End != (TimeOfDay{6, 0})) {
				t.Errorf("window = %+v", s.window)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestSetCronAndIntervalAreExclusive(t *testing.T) {
	s := newQuiet()
	if err := s.SetCron("0 2 * * *"); err != nil {
		t.Fatalf("SetCron: %v", err)
	}
	if err := s.SetInterval(time.Hour); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	if s.cronExpr != "" || s.schedule != nil || s.interval != time.Hour {
		t.Errorf("after SetInterval: cron=%q interval=%v", s.cronExpr, s.interval)
	}
	if err := s.SetInterval(-time.Second); err == nil {
		t.Error("negative interval accepted")
	}
	if err := s.SetCron("nope"); err == nil {
		t.Error("invalid cron accepted")
	}
	if s.interval != time.Hour {
		t.Error("failed setters must not change the schedule")
	}
}

func TestStartStopAreIdempotent(t *testing.T) {
	for _, mode := range []string{"cron", "interval"} {
		t.Run(mode, func(t *testing.T) {
			s := newQuiet()
			if mode == "cron" {
				_ = s.SetCron("0 2 * * *")
			} else {
				_ = s.SetInterval(time.Hour)
			}
			s.Stop() // no-op before Start
			if s.IsRunning() {
				t.Error("IsRunning() = true before Start")
			}
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
				t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
			}
			if !s.IsRunning() {
				t.Error("IsRunning() = false after Start")
			}
			s.Stop()
			if s.IsRunning() || !s.NextRun().IsZero() {
				t.Error("scheduler still reports running after Stop")
			}
			s.Stop()
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start after Stop: %v", err)
			}
			s.Stop()
		})
	}
}

func TestStartWithoutSchedule(t *testing.T) {
	if err := newQuiet().Start(context.Background()); !errors.Is(err, ErrNoSchedule) {
		t.Errorf("Start() = %v, want ErrNoSchedule", err)
	}
}

func TestNextRun(t *testing.T) {
	t.Run("cron", func(t *testing.T) {
		s := newQuiet()
		_ = s.SetCron("* * * * *")
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()

		now := time.Now()
		next := s.NextRun()
		if next.Before(now) || next.After(now.Add(time.Minute+time.Second)) {
			t.Errorf("NextRun() = %v, want within a minute of %v", next, now)
		}
	})
	t.Run("interval", func(t *testing.T) {
		s := newQuiet()
		_ = s.SetInterval(time.Hour)
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()

		delta := s.NextRun().Sub(time.Now().Add(time.Hour))
		if delta < -time.Second || delta > time.Second {
			t.Errorf("NextRun() off by %v", delta)
		}
	})
}

func TestIntervalRunsImmediatelyThenOnTicks(t *testing.T) {
	s := newQuiet()
	_ = s.SetInterval(40 * time.Millisecond)
	var count atomic.Int32
	first := make(chan struct{}, 1)
	s.AddJob(func(ctx context.Context) error {
		if count.Add(1) == 1 {
			first <- struct{}{}
		}
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-first:
	case <-time.After(30 * time.Millisecond):
		t.Fatal("no immediate pass")
	}
	time.Sleep(150 * time.Millisecond)
	s.Stop()
	if n := count.Load(); n < 2 {
		t.Errorf("passes = %d, want immediate plus ticks", n)
	}
}

func TestPassesNeverOverlap(t *testing.T) {
	s := newQuiet()
	_ = s.SetInterval(5 * time.Millisecond)
	var active, maxActive atomic.Int32
	s.AddJob(func(ctx context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	if maxActive.Load() != 1 {
		t.Errorf("max concurrent passes = %d, want 1", maxActive.Load())
	}
	if active.Load() != 0 {
		t.Error("Stop returned while a pass was still running")
	}
}

func TestWindowBlocksPasses(t *testing.T) {
	s := newQuiet()
	_ = s.SetInterval(10 * time.Millisecond)
	now := time.Now().UTC()
	_ = s.SetWindow(&config.WindowConfig{
		Start:    fmt.Sprintf("%02d:00", (now.Hour()+12)%24),
		End:      fmt.Sprintf("%02d:00", (now.Hour()+13)%24),
		Timezone: "UTC",
	})
	var count atomic.Int32
	s.AddJob(func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	s.Stop()
	if n := count.Load(); n != 0 {
		t.Errorf("passes outside window = %d, want 0", n)
	}

	if !s.IsInWindow(now.Add(12 * time.Hour)) {
		t.Error("IsInWindow should accept a time inside the window")
	}
	_ = s.SetWindow(nil)
	if !s.IsInWindow(now) {
		t.Error("IsInWindow without a window should always be true")
	}
}

func TestContextCancellationEndsLoop(t *testing.T) {
	s := newQuiet()
	_ = s.SetInterval(10 * time.Millisecond)
	var count atomic.Int32
	s.AddJob(func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	after := count.Load()
	time.Sleep(50 * time.Millisecond)
	if count.Load() != after {
		t.Error("passes continued after context cancellation")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after context cancellation")
	}
	if !s.NextRun().IsZero() {
		t.Error("NextRun() should be zero after context cancellation")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after cancellation = %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	s := newQuiet()
	errA, errB := errors.New("a failed"), errors.New("b failed")
	var ran int
	s.AddJob(func(context.Context) error { ran++; return errA })
	s.AddJob(func(context.Context) error { ran++; return nil })
	s.AddJob(func(context.Context) error { ran++; return errB })

	err := s.RunOnce(context.Background())
	if ran != 3 {
		t.Errorf("ran %d jobs, want 3", ran)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("RunOnce() = %v, want both job errors", err)
	}
}
