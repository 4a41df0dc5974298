package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"forgewatch/internal/eventbus"
	"forgewatch/internal/transport"
	logx "forgewatch/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentMsg
	fails int // fail this many sends first
	ch    chan struct{}
}

type sentMsg struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

func newFakeAdapter(fails int) *fakeAdapter {
	return &fakeAdapter{fails: fails, ch: make(chan struct{}, 64)}
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("flaky")
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: opt})
	f.ch <- struct{}{}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}, nil
}

func (f *fakeAdapter) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d sends", i, n)
		}
	}
}

func (f *fakeAdapter) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func startService(t *testing.T, cfg Config, ad transport.Adapter, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, ad, logx.Nop(), bus, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestBroadcastFansOutToTargets(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter(0)
	s := startService(t, Config{Enabled: true, RatePerSec: 100}, ad, nil)
	s.SetTargets([]transport.ChatTarget{{ChatID: 1}, {ChatID: 2, ThreadID: 7}})

	if err := s.Broadcast(context.Background(), "monitor.alert", "node red", 0); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	ad.wait(t, 2)

	got := map[int64]sentMsg{}
	for _, m := range ad.messages() {
		got[m.to.ChatID] = m
	}
	if len(got) != 2 || got[2].to.ThreadID != 7 {
		t.Fatalf("sent = %+v", ad.messages())
	}
	for _, m := range got {
		if m.text != "node red" || m.opt == nil || m.opt.ParseMode != "HTML" || !m.opt.DisablePreview {
			t.Fatalf("message = %+v", m)
		}
	}
	if h := s.History(); len(h) != 2 {
		t.Fatalf("history len = %d", len(h))
	}
}

func TestBroadcastWithoutTargets(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Enabled: true}, newFakeAdapter(0), nil)
	if err := s.Broadcast(context.Background(), "c", "x", 0); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v", err)
	}
	if err := s.Broadcast(context.Background(), "c", "  ", 0); err != nil {
		t.Fatalf("blank text: %v", err)
	}
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	ad := newFakeAdapter(0)
	s := startService(t, Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, ad, bus)
	n := transport.Notification{Channel: "monitor.alert", Target: transport.ChatTarget{ChatID: 5}, Text: "same"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	ad.wait(t, 1)

	deduped := 0
	deadline := time.After(2 * time.Second)
	for deduped < 2 {
		select {
		case ev := <-events:
			if ev.Type == EventDeduped {
				deduped++
			}
		case <-deadline:
			t.Fatalf("deduped events = %d", deduped)
		}
	}
	if got := len(ad.messages()); got != 1 {
		t.Fatalf("sent %d messages", got)
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter(2)
	s := startService(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, nil)
	if err := s.Notify(context.Background(), transport.Notification{Priority: 9, Target: transport.ChatTarget{ChatID: 1}, Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	ad.wait(t, 1)
	if got := ad.messages()[0].text; got != "🚨 x" {
		t.Fatalf("text = %q", got)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{Enabled: false}, newFakeAdapter(0), logx.Nop(), nil, nil)
	off.Start(context.Background())
	if err := off.Notify(context.Background(), transport.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	s := New(Config{Enabled: true}, newFakeAdapter(0), logx.Nop(), nil, nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Notify(context.Background(), transport.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor still set after stop")
	}
}

func TestPruneDedup(t *testing.T) {
	t.Parallel()
	now := time.Now()
	m := map[string]time.Time{
		"expired": now.Add(-time.Second),
		"soon":    now.Add(time.Second),
		"later":   now.Add(time.Minute),
		"latest":  now.Add(time.Hour),
	}
	pruneDedup(m, now, 2)
	if len(m) != 2 {
		t.Fatalf("len = %d", len(m))
	}
	if _, ok := m["later"]; !ok {
		t.Fatal("later evicted")
	}
	if _, ok := m["latest"]; !ok {
		t.Fatal("latest evicted")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay = %v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay = %v", d)
	}
}

func TestDedupKeyScopes(t *testing.T) {
	t.Parallel()
	base := transport.Notification{Channel: "a", Target: transport.ChatTarget{ChatID: 1}, Text: "t"}
	if dedupKey(transport.Notification{Text: "t"}) != "" {
		t.Fatal("empty channel produced a key")
	}
	other := base
	other.Target.ChatID = 2
	if dedupKey(base) == dedupKey(other) {
		t.Fatal("different targets share a key")
	}
	same := base
	if dedupKey(base) != dedupKey(same) {
		t.Fatal("key not stable")
	}
}
