// Package monitor runs the delegate poll cycle and serves the read-only
// views behind the chat commands.
//
// One cycle fetches snapshots, folds them into the committed streak
// states, alerts on newly due delegates and persists the result. Cycles are
// serialized; readers see the last committed states without locking the
// cycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"forgewatch/internal/delegate"
	"forgewatch/internal/eventbus"
	"forgewatch/internal/nodeapi"
	"forgewatch/internal/storage"
	logx "forgewatch/pkg/logx"
	"forgewatch/pkg/tgui"
)

// Event types published on the bus.
const (
	EventCycle       = "monitor.cycle"
	EventCycleFailed = "monitor.cycle_failed"
	EventAlert       = "monitor.alert"
	EventIdentity    = "monitor.identity_learned"
)

const alertPriority = 8

// Fetcher returns the current delegate list.
type Fetcher interface {
	Delegates(ctx context.Context) (nodeapi.Result, error)
}

// Broadcaster delivers one message to every configured chat.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, text string, priority int) error
}

type Config struct {
	Policy     delegate.Policy
	EvictAfter int

	Aliases []delegate.AliasRecord
	// Identities come from the config file and precede learned ones.
	Identities      []delegate.ChatIdentity
	LearnIdentities bool
}

// CycleReport describes the last finished (or failed) cycle.
type CycleReport struct {
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
	Node      string        `json:"node,omitempty"`
	Delegates int           `json:"delegates"`
	Rejected  int           `json:"rejected,omitempty"`
	Alerts    int           `json:"alerts"`
	Err       string        `json:"error,omitempty"`
}

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	fetch  Fetcher
	notify Broadcaster

	cycleMu sync.Mutex

	mu       sync.RWMutex
	cfg      Config
	learned  []delegate.ChatIdentity
	resolver *delegate.Resolver

	committed atomic.Pointer[delegate.States]
	last      atomic.Pointer[CycleReport]
	cycles    atomic.Uint64
}

// New builds a monitor. store and bus may be nil.
func New(cfg Config, fetch Fetcher, notify Broadcaster, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		store:  store,
		fetch:  fetch,
		notify: notify,
	}
	empty := delegate.States{}
	s.committed.Store(&empty)
	s.Apply(cfg)
	return s
}

// Apply swaps thresholds and identity sources. It takes effect on the next
// cycle or command.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.rebuildResolverLocked()
	s.mu.Unlock()
}

func (s *Service) rebuildResolverLocked() {
	dir := make([]delegate.ChatIdentity, 0, len(s.cfg.Identities)+len(s.learned))
	dir = append(dir, s.cfg.Identities...)
	dir = append(dir, s.learned...)
	s.resolver = delegate.NewResolver(s.cfg.Aliases, dir)
}

func (s *Service) config() (Config, *delegate.Resolver) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.resolver
}

// Load restores committed states and learned identities from the store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	states, err := s.store.LoadStreaks(ctx)
	if err != nil {
		return fmt.Errorf("load streaks: %w", err)
	}
	ids, err := s.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	if states == nil {
		states = delegate.States{}
	}
	s.committed.Store(&states)

	s.mu.Lock()
	s.learned = ids
	s.rebuildResolverLocked()
	s.mu.Unlock()

	s.log.Info("monitor state loaded", logx.Int("delegates", len(states)), logx.Int("identities", len(ids)))
	return nil
}

// States returns the last committed states. Callers must not modify it.
func (s *Service) States() delegate.States {
	return *s.committed.Load()
}

// LastCycle reports the most recent cycle; ok is false before the first one.
func (s *Service) LastCycle() (CycleReport, bool) {
	r := s.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// RunCycle performs one poll. It is the only writer of streak state.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	rep := CycleReport{At: start}
	cfg, resolver := s.config()

	fail := func(stage string, err error) (CycleReport, error) {
		err = fmt.Errorf("%s: %w", stage, err)
		rep.Took = time.Since(start)
		rep.Err = err.Error()
		s.last.Store(&rep)
		s.log.Warn("monitor cycle failed", logx.String("stage", stage), logx.Err(err))
		s.publish(EventCycleFailed, rep)
		return rep, err
	}

	res, err := s.fetch.Delegates(ctx)
	if err != nil {
		return fail("fetch", err)
	}
	rep.Node = res.Node

	snaps, bad := delegate.Validate(res.Snapshots())
	for _, e := range bad {
		s.log.Warn("snapshot entry skipped", logx.Err(e))
	}
	rep.Delegates, rep.Rejected = len(snaps), len(bad)

	tracked, err := delegate.Track(s.States(), snaps, delegate.TrackOptions{EvictAfter: cfg.EvictAfter})
	if err != nil {
		return fail("track", err)
	}
	next, alerts := delegate.Evaluate(tracked, cfg.Policy, false)
	alerts = resolver.Enrich(alerts)
	rep.Alerts = len(alerts)

	if text := delegate.Compose(alerts, delegate.ComposeOptions{
		Mode:            delegate.Incremental,
		ReAlertInterval: cfg.Policy.ReAlertInterval,
		Escape:          escapeHTML,
	}); text != "" && s.notify != nil {
		// No dedup channel: Evaluate already decides when an alert is due, and
		// the same text can be due again within any dedup window.
		if err := s.notify.Broadcast(ctx, "", text, alertPriority); err != nil {
			s.log.Warn("alert delivery incomplete", logx.Int("alerts", len(alerts)), logx.Err(err))
		}
	}

	if s.store != nil {
		if err := s.store.SaveStreaks(ctx, next); err != nil {
			return fail("save", err)
		}
	}
	s.committed.Store(&next)
	rep.Took = time.Since(start)
	s.last.Store(&rep)
	s.cycles.Add(1)

	for _, a := range alerts {
		s.publish(EventAlert, a)
	}
	s.publish(EventCycle, rep)

	lvl := s.log.Debug
	if len(alerts) > 0 || len(bad) > 0 {
		lvl = s.log.Info
	}
	lvl("monitor cycle done",
		logx.String("node", rep.Node),
		logx.Int("delegates", rep.Delegates),
		logx.Int("rejected", rep.Rejected),
		logx.Int("alerts", rep.Alerts),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}

// Red renders every delegate currently missing blocks, already alerted or
// not, as one aggregated message. It never changes state.
func (s *Service) Red() string {
	_, resolver := s.config()
	_, alerts := delegate.Evaluate(s.States(), delegate.Policy{MinStreak: 1}, true)
	return delegate.Compose(resolver.Enrich(alerts), delegate.ComposeOptions{
		Mode:   delegate.Aggregated,
		Escape: escapeHTML,
	})
}

// ErrUnknownDelegate is returned by Delegate for a name not being tracked.
var ErrUnknownDelegate = errors.New("unknown delegate")

// DelegateView is one delegate's state with its resolved chat identity.
type DelegateView struct {
	State    delegate.StreakState
	Identity delegate.Identity
}

// Delegate looks a tracked delegate up by name, ignoring case.
func (s *Service) Delegate(name string) (DelegateView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DelegateView{}, ErrUnknownDelegate
	}
	states := s.States()
	st, ok := states[name]
	if !ok {
		for k, v := range states {
			if strings.EqualFold(k, name) {
				st, ok = v, true
				break
			}
		}
	}
	if !ok {
		return DelegateView{}, ErrUnknownDelegate
	}
	_, resolver := s.config()
	return DelegateView{State: st, Identity: resolver.Resolve(st.Name)}, nil
}

// Status summarizes the monitor for operators.
type Status struct {
	Last       *CycleReport `json:"last_cycle,omitempty"`
	Cycles     uint64       `json:"cycles"`
	Tracked    int          `json:"tracked"`
	Missing    int          `json:"missing"`
	Alerting   int          `json:"alerting"`
	Identities int          `json:"identities"`
}

func (s *Service) Status() Status {
	cfg, _ := s.config()
	st := Status{Cycles: s.cycles.Load()}
	if r, ok := s.LastCycle(); ok {
		st.Last = &r
	}
	for _, v := range s.States() {
		st.Tracked++
		if v.Missing() {
			st.Missing++
		}
		if v.ConsecutiveMissed >= cfg.Policy.MinStreak && cfg.Policy.MinStreak > 0 {
			st.Alerting++
		}
	}
	s.mu.RLock()
	st.Identities = len(s.cfg.Identities) + len(s.learned)
	s.mu.RUnlock()
	return st
}

func escapeHTML(s string) string { return tgui.Esc(s).String() }

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
