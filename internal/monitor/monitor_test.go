package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forgewatch/internal/delegate"
	"forgewatch/internal/eventbus"
	"forgewatch/internal/nodeapi"
	"forgewatch/internal/notifier"
	"forgewatch/internal/storage"
	"forgewatch/internal/transport"
	logx "forgewatch/pkg/logx"
)

// scriptFetcher replays one step per call.
type scriptFetcher struct {
	mu    sync.Mutex
	steps []step
}

type step struct {
	res nodeapi.Result
	err error
}

func (f *scriptFetcher) Delegates(context.Context) (nodeapi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return nodeapi.Result{}, errors.New("script exhausted")
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.res, s.err
}

func poll(missed map[string]int64) step {
	res := nodeapi.Result{Node: "http://node"}
	for name, m := range missed {
		res.Delegates = append(res.Delegates, nodeapi.Delegate{Username: name, Missed: m, Produced: 100})
	}
	return step{res: res}
}

type recBroadcaster struct {
	mu    sync.Mutex
	texts []string
}

func (b *recBroadcaster) Broadcast(_ context.Context, channel, text string, _ int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel != "" {
		return errors.New("unexpected dedup channel " + channel)
	}
	b.texts = append(b.texts, text)
	return nil
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testConfig() Config {
	return Config{Policy: delegate.Policy{MinStreak: 3, ReAlertInterval: 5}}
}

func TestRunCycleAlertsOnceAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := &scriptFetcher{}
	for _, m := range []int64{10, 11, 12, 13, 14} {
		f.steps = append(f.steps, poll(map[string]int64{"genesis_1": m, "genesis_2": 0}))
	}
	b := &recBroadcaster{}
	st := openStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := New(testConfig(), f, b, st, bus, logx.Nop())
	for i := 0; i < 5; i++ {
		if _, err := s.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	if diff := cmp.Diff([]string{"genesis_1 red 🔻"}, b.texts); diff != "" {
		t.Fatalf("broadcasts (-want +got):\n%s", diff)
	}
	saved, err := st.LoadStreaks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := saved["genesis_1"]
	if got.ConsecutiveMissed != 4 || got.LastNotifiedAtStreak != 3 || got.BaselineMissed != 14 {
		t.Fatalf("saved state = %+v", got)
	}

	var alerts, cycles int
	for len(events) > 0 {
		switch (<-events).Type {
		case EventAlert:
			alerts++
		case EventCycle:
			cycles++
		}
	}
	if alerts != 1 || cycles != 5 {
		t.Fatalf("events: alerts=%d cycles=%d", alerts, cycles)
	}
}

func TestRunCycleFetchFailureKeepsState(t *testing.T) {
	t.Parallel()
	f := &scriptFetcher{steps: []step{
		poll(map[string]int64{"a": 1}),
		{err: nodeapi.ErrNoNodes},
	}}
	s := New(testConfig(), f, &recBroadcaster{}, nil, nil, logx.Nop())
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := s.States()

	rep, err := s.RunCycle(context.Background())
	if !errors.Is(err, nodeapi.ErrNoNodes) {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasPrefix(rep.Err, "fetch:") {
		t.Fatalf("report error = %q", rep.Err)
	}
	if diff := cmp.Diff(before, s.States()); diff != "" {
		t.Fatalf("state changed after failed fetch:\n%s", diff)
	}
	if last, ok := s.LastCycle(); !ok || last.Err == "" {
		t.Fatalf("last cycle = %+v, %v", last, ok)
	}
}

func TestRunCycleSkipsBadEntriesAndRejectsDuplicates(t *testing.T) {
	t.Parallel()
	bad := nodeapi.Result{Delegates: []nodeapi.Delegate{
		{Username: "ok", Missed: 1},
		{Username: "", Missed: 1},
		{Username: "neg", Missed: -1},
	}}
	dup := nodeapi.Result{Delegates: []nodeapi.Delegate{{Username: "ok"}, {Username: "ok"}}}
	f := &scriptFetcher{steps: []step{{res: bad}, {res: dup}}}
	s := New(testConfig(), f, nil, nil, nil, logx.Nop())

	rep, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Delegates != 1 || rep.Rejected != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := s.RunCycle(context.Background()); !errors.Is(err, delegate.ErrDuplicateDelegate) {
		t.Fatalf("duplicate snapshot err = %v", err)
	}
	if len(s.States()) != 1 {
		t.Fatalf("states = %v", s.States())
	}
}

func TestRedAndDelegateViews(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	states := delegate.States{
		"genesis_voting": {Name: "genesis_voting", ConsecutiveMissed: 4, LastNotifiedAtStreak: 3},
		"beta":           {Name: "beta", ConsecutiveMissed: 1},
		"gamma":          {Name: "gamma", ConsecutiveProduced: 9},
	}
	if err := st.SaveStreaks(ctx, states); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Identities = []delegate.ChatIdentity{{ID: "7", LoginName: "genesis"}}
	s := New(cfg, &scriptFetcher{}, nil, st, nil, logx.Nop())
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}

	want := "🔻 " + `<a href="tg://user?id=7">genesis</a>` + " 🔻\n⚠️ beta ⚠️"
	if got := s.Red(); got != want {
		t.Fatalf("Red() = %q, want %q", got, want)
	}
	if after := s.States()["genesis_voting"]; after.LastNotifiedAtStreak != 3 {
		t.Fatalf("Red mutated state: %+v", after)
	}

	v, err := s.Delegate("GENESIS_VOTING")
	if err != nil || !v.Identity.Found || v.State.ConsecutiveMissed != 4 {
		t.Fatalf("Delegate = %+v, %v", v, err)
	}
	if _, err := s.Delegate("nobody"); !errors.Is(err, ErrUnknownDelegate) {
		t.Fatalf("unknown delegate err = %v", err)
	}

	status := s.Status()
	if status.Tracked != 3 || status.Missing != 2 || status.Alerting != 1 {
		t.Fatalf("status = %+v", status)
	}
}

func TestRedEmpty(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &scriptFetcher{}, nil, nil, nil, logx.Nop())
	if got := s.Red(); got != delegate.NoAlertsText {
		t.Fatalf("Red() = %q", got)
	}
}

func TestObserveIdentityLearnsAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	cfg := testConfig()
	cfg.LearnIdentities = true
	cfg.Identities = []delegate.ChatIdentity{{ID: "1", LoginName: "static"}}
	s := New(cfg, &scriptFetcher{}, nil, st, nil, logx.Nop())

	s.ObserveIdentity(ctx, transport.Sender{ID: 9, Username: "alice", FirstName: "Alice", LastName: "A"})
	s.ObserveIdentity(ctx, transport.Sender{ID: 9, Username: "alice", FirstName: "Alice", LastName: "A"})
	s.ObserveIdentity(ctx, transport.Sender{ID: 5, FirstName: "Bob"})
	s.ObserveIdentity(ctx, transport.Sender{ID: 9, Username: "alice2"})

	want := []delegate.ChatIdentity{
		{ID: "1", LoginName: "static"},
		{ID: "9", LoginName: "alice2"},
		{ID: "5", FullName: "Bob"},
	}
	if diff := cmp.Diff(want, s.Identities()); diff != "" {
		t.Fatalf("directory (-want +got):\n%s", diff)
	}
	stored, err := st.ListIdentities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want[1:], stored); diff != "" {
		t.Fatalf("stored (-want +got):\n%s", diff)
	}
	_, resolver := s.config()
	if id := resolver.Resolve("alice2_pool"); !id.Found || id.ID != "9" {
		t.Fatalf("learned identity not resolvable: %+v", id)
	}
}

func TestObserveIdentityDisabled(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &scriptFetcher{}, nil, nil, nil, logx.Nop())
	s.ObserveIdentity(context.Background(), transport.Sender{ID: 9, Username: "alice"})
	if n := len(s.Identities()); n != 0 {
		t.Fatalf("learned %d identities with learning off", n)
	}
}

func TestCycleSerialized(t *testing.T) {
	t.Parallel()
	f := &scriptFetcher{}
	for i := int64(0); i < 20; i++ {
		f.steps = append(f.steps, poll(map[string]int64{"a": i}))
	}
	s := New(testConfig(), f, &recBroadcaster{}, nil, nil, logx.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RunCycle(context.Background())
		}()
	}
	wg.Wait()
	// Each poll adds one miss; 19 deltas after the first sighting.
	if got := s.States()["a"].ConsecutiveMissed; got != 19 {
		t.Fatalf("ConsecutiveMissed = %d, want 19", got)
	}
	if st := s.Status(); st.Cycles != 20 {
		t.Fatalf("cycles = %d", st.Cycles)
	}
}

func TestStatusTextListsRecent(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &scriptFetcher{}, nil, nil, nil, logx.Nop())
	text := s.statusText(context.Background(), CommandHooks{
		Heights: func(context.Context) []nodeapi.NodeHeight {
			return []nodeapi.NodeHeight{{Node: "http://a", Height: 42}, {Node: "http://b", Err: errors.New("timeout")}}
		},
		Recent: func() []notifier.HistoryItem {
			return []notifier.HistoryItem{{At: time.Unix(0, 0), Text: `<a href="x">bob</a> red 🔻`}}
		},
	}).String()
	for _, want := range []string{"no cycle yet", "http://a: height 42", "http://b: timeout", "bob red 🔻"} {
		if !strings.Contains(text, want) {
			t.Fatalf("status text missing %q:\n%s", want, text)
		}
	}
}

func TestDelegateTextEscapesName(t *testing.T) {
	t.Parallel()
	got := delegateText(DelegateView{
		State:    delegate.StreakState{Name: "a<b>", ConsecutiveMissed: 3, LastNotifiedAtStreak: 3, BaselineMissed: 9, BaselineProduced: 10},
		Identity: delegate.Identity{Found: true, Mention: `<a href="tg://user?id=7">ann</a>`},
	}).String()
	want := "<b>a&lt;b&gt;</b> " + `<a href="tg://user?id=7">ann</a>` +
		"\nmissing: 3 in a row\nlast alert at streak 3\nlifetime: 9 missed / 10 produced"
	if got != want {
		t.Fatalf("delegateText =\n%q\nwant\n%q", got, want)
	}
}

// flakyStore fails SaveStreaks while failSave is set.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failSave bool
}

func (s *flakyStore) SaveStreaks(ctx context.Context, states delegate.States) error {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.SaveStreaks(ctx, states)
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.failSave = v
	s.mu.Unlock()
}

func TestRunCycleSaveFailureKeepsCommittedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := &scriptFetcher{}
	for _, m := range []int64{10, 11, 12, 13, 14} {
		f.steps = append(f.steps, poll(map[string]int64{"genesis_1": m}))
	}
	b := &recBroadcaster{}
	st := &flakyStore{Store: openStore(t)}
	s := New(testConfig(), f, b, st, nil, logx.Nop())

	for i := 0; i < 3; i++ {
		if _, err := s.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	before := s.States()

	st.setFail(true)
	rep, err := s.RunCycle(ctx)
	if err == nil || !strings.HasPrefix(rep.Err, "save:") {
		t.Fatalf("failed save: err=%v report=%+v", err, rep)
	}
	if diff := cmp.Diff(before, s.States()); diff != "" {
		t.Fatalf("states committed despite failed save:\n%s", diff)
	}
	if got := s.States()["genesis_1"]; got.LastNotifiedAtStreak != 0 {
		t.Fatalf("alert marker committed: %+v", got)
	}

	st.setFail(false)
	if _, err := s.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	sent := len(b.texts)
	b.mu.Unlock()
	if sent != 2 {
		t.Fatalf("broadcasts = %d, want the alert repeated after the failed save", sent)
	}
	got := s.States()["genesis_1"]
	if got.ConsecutiveMissed != 4 || got.LastNotifiedAtStreak != 4 {
		t.Fatalf("committed = %+v", got)
	}
	saved, err := st.LoadStreaks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.States(), saved); diff != "" {
		t.Fatalf("saved (-committed +stored):\n%s", diff)
	}
}

type chanAdapter struct {
	sent chan string
}

func (a *chanAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *chanAdapter) Stop(context.Context) error                          { return nil }
func (a *chanAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.sent <- text
	return transport.MessageRef{}, nil
}

func TestRepeatedAlertTextNotDeduplicated(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ad := &chanAdapter{sent: make(chan string, 8)}
	n := notifier.New(notifier.Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   8,
		RetryMax:    1,
		DedupWindow: time.Hour,
	}, ad, logx.Nop(), nil, nil)
	n.SetTargets([]transport.ChatTarget{{ChatID: -100}})
	n.Start(ctx)
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		n.Stop(stopCtx)
	}()

	row := func(missed, produced int64) step {
		return step{res: nodeapi.Result{Delegates: []nodeapi.Delegate{{Username: "d", Missed: missed, Produced: produced}}}}
	}
	// A one-block streak, a forged block, then a new one-block streak: the
	// two alerts render the same text well inside the dedup window.
	f := &scriptFetcher{steps: []step{row(10, 100), row(11, 100), row(11, 101), row(12, 101)}}
	cfg := Config{Policy: delegate.Policy{MinStreak: 1, ReAlertInterval: 5}}
	s := New(cfg, f, n, nil, nil, logx.Nop())
	for i := 0; i < 4; i++ {
		if _, err := s.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	var texts []string
	for len(texts) < 2 {
		select {
		case text := <-ad.sent:
			texts = append(texts, text)
		case <-time.After(2 * time.Second):
			t.Fatalf("delivered %d alerts, want 2: %q", len(texts), texts)
		}
	}
	if texts[0] != texts[1] {
		t.Fatalf("texts differ: %q vs %q", texts[0], texts[1])
	}
}
