package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"forgewatch/internal/eventbus"
	logx "forgewatch/pkg/logx"
)

func TestParseSchedule_Variants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		kind   SpecKind
		every  time.Duration
		cron   string
		source string
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "*/10 * * * * *", kind: SpecCron, cron: "*/10 * * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron: 0 9 * * 1", kind: SpecCron, cron: "0 9 * * 1", source: "cron"},
		{in: "10s", kind: SpecInterval, every: 10 * time.Second, source: "duration"},
		{in: "every: 2h30m", kind: SpecInterval, every: 150 * time.Minute, source: "duration"},
		{in: "00:05", kind: SpecInterval, every: 5 * time.Minute, source: "hhmm"},
		{in: "interval: 01:30", kind: SpecInterval, every: 90 * time.Minute, source: "hhmm"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSchedule(tt.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron || got.Source != tt.source {
				t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule(): %v", err)
			}
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "abc", "0s", "-5m", "00:00", "01:75", "cron:", "cron: 99 * * * *", "* * *"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", in)
		}
	}
}

func TestParsedSpecString(t *testing.T) {
	t.Parallel()
	ps, _ := ParseSchedule("00:05")
	if got := ps.String(); got != "@every 5m0s" {
		t.Fatalf("String() = %q", got)
	}
}

func TestAddScheduleValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("", "10s", 0, job); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.AddSchedule("x", "10s", 0, nil); err == nil {
		t.Fatal("nil job accepted")
	}
	if err := s.AddSchedule("x", "nope", 0, job); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if err := s.RunNow("x"); err == nil {
		t.Fatal("RunNow on missing schedule succeeded")
	}
}

func TestRunNowRecordsAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, cancelSub := bus.Subscribe(8)
	defer cancelSub()

	s := New(Config{Timezone: "UTC"}, logx.Nop(), bus)
	var calls atomic.Int32
	boom := errors.New("boom")
	if err := s.AddSchedule("poll", "1h", time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		if calls.Add(1) == 1 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		s.Stop(stopCtx)
	}()

	if err := s.RunNow("poll"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	ev := waitEvent(t, events)
	if ev.Type != EventFailed {
		t.Fatalf("first event = %q", ev.Type)
	}

	if err := s.RunNow("poll"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if ev := waitEvent(t, events); ev.Type != EventRun {
		t.Fatalf("second event = %q", ev.Type)
	}

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	info := snap[0]
	if info.Name != "poll" || info.Runs != 2 || info.Failures != 1 || info.LastErr != "" {
		t.Fatalf("snapshot = %+v", info)
	}
	if info.Next.IsZero() {
		t.Fatal("next run not computed")
	}
}

func TestAddScheduleReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	_ = s.AddSchedule("a", "10s", 0, job)
	_ = s.AddSchedule("a", "*/5 * * * *", 0, job)
	_ = s.AddSchedule("b", "1m", 0, job)

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a" || snap[0].Spec != "*/5 * * * *" || snap[1].Name != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove did not report existence correctly")
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return eventbus.Event{}
}
