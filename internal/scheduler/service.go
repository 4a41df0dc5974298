// Package scheduler triggers named jobs on cron or interval schedules.
//
// Jobs run on robfig/cron goroutines behind a Recover and
// SkipIfStillRunning chain, so a slow job never overlaps itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"forgewatch/internal/eventbus"
	logx "forgewatch/pkg/logx"
)

const (
	EventRun    = "scheduler.run"
	EventFailed = "scheduler.failed"
)

type Config struct {
	Timezone string // IANA name; empty = Local
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	c      *cron.Cron
	loc    *time.Location
	runCtx context.Context
	stop   context.CancelFunc

	defs map[string]*entry
}

type entry struct {
	name    string
	spec    ParsedSpec
	sched   cron.Schedule
	timeout time.Duration
	job     func(ctx context.Context) error
	wrapped cron.Job
	id      cron.EntryID

	statMu   sync.Mutex
	runs     uint64
	failures uint64
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, defs: map[string]*entry{}}
}

// AddSchedule registers job under name, replacing any schedule with the
// same name. Each run gets a context bounded by timeout (0 = none).
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	sched, err := ps.Schedule()
	if err != nil {
		return err
	}

	e := &entry{name: name, spec: ps, sched: sched, timeout: timeout, job: job}
	lg := cronLogger{log: s.log.With(logx.String("schedule", name))}
	e.wrapped = cron.NewChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)).Then(cron.FuncJob(func() { s.run(e) }))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs[name] = e
	if s.c != nil {
		e.id = s.c.Schedule(e.sched, e.wrapped)
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.String()),
			logx.Time("next", s.c.Entry(e.id).Next))
	}
	return nil
}

// Remove unschedules name. It reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	delete(s.defs, name)
	return true
}

// RunNow triggers name outside its schedule. The overlap guard still
// applies, so a run already in flight wins.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.defs[name]
	running := s.c != nil
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	if !running {
		return errors.New("scheduler not started")
	}
	go e.wrapped.Run()
	return nil
}

func (s *Service) run(e *entry) {
	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx := parent
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.timeout)
		defer cancel()
	}

	start := time.Now()
	err := e.job(ctx)
	took := time.Since(start)

	e.statMu.Lock()
	e.runs++
	e.lastRun = start
	e.lastTook = took
	e.lastErr = ""
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
	}
	e.statMu.Unlock()

	data := map[string]any{"name": e.name, "took_ms": took.Milliseconds()}
	if err != nil {
		data["err"] = err.Error()
		s.log.Warn("scheduled job failed", logx.String("name", e.name), logx.Duration("took", took), logx.Err(err))
		s.publish(EventFailed, data)
		return
	}
	s.log.Debug("scheduled job done", logx.String("name", e.name), logx.Duration("took", took))
	s.publish(EventRun, data)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Apply swaps the timezone, restarting cron if it is running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.stop = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startCronLocked() {
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithParser(cronParser), cron.WithLogger(cronLogger{log: s.log}))
	for _, e := range s.defs {
		e.id = s.c.Schedule(e.sched, e.wrapped)
	}
	s.c.Start()
}

// Stop cancels running jobs and waits for them, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	stop := s.stop
	s.c = nil
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Snapshot lists schedules sorted by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, e := range s.defs {
		info := ScheduleInfo{Name: e.name, Spec: e.spec.String(), Timeout: e.timeout}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		e.statMu.Lock()
		info.Runs, info.Failures = e.runs, e.failures
		info.LastRun, info.LastTook, info.LastErr = e.lastRun, e.lastTook, e.lastErr
		e.statMu.Unlock()
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
