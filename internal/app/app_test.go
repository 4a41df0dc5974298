package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"forgewatch/internal/config"
	"forgewatch/internal/delegate"
	"forgewatch/internal/scheduler"
	"forgewatch/internal/storage"
	"forgewatch/internal/transport"
	"forgewatch/internal/transport/telegram/router"
	logx "forgewatch/pkg/logx"
)

func validConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc", PollTimeout: "10s"},
		Monitor: config.MonitorConfig{
			Enabled:                   true,
			Node:                      "https://node.example.org",
			MinMissedBlocks:           3,
			BlockIntervalNotification: 10,
			Targets:                   []config.TargetConfig{{ChatID: -100, ThreadID: 4}},
		},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"valid", func(c *config.Config) {}, ""},
		{"missing token", func(c *config.Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"bad poll timeout", func(c *config.Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"chat log without chat", func(c *config.Config) { c.Logging.Chat.Enabled = true }, "logging.chat.chat_id"},
		{"zero min streak", func(c *config.Config) { c.Monitor.MinMissedBlocks = 0 }, "min_missed_blocks"},
		{"zero re-alert", func(c *config.Config) { c.Monitor.BlockIntervalNotification = 0 }, "block_interval_notification"},
		{"negative evict", func(c *config.Config) { c.Monitor.EvictAfter = -1 }, "evict_after"},
		{"no node", func(c *config.Config) { c.Monitor.Node = "" }, "monitor.node"},
		{"disabled without node", func(c *config.Config) { c.Monitor.Enabled = false; c.Monitor.Node = "" }, ""},
		{"bad backup node", func(c *config.Config) { c.Monitor.BackupNodes = []string{"ftp://x"} }, "backup_nodes[0]"},
		{"bad schedule", func(c *config.Config) { c.Monitor.Schedule = "every now and then" }, "monitor.schedule"},
		{"target without chat", func(c *config.Config) { c.Monitor.Targets = []config.TargetConfig{{}} }, "targets[0]"},
		{"alias without name", func(c *config.Config) {
			c.Monitor.Aliases = []config.AliasConfig{{Delegate: "genesis_1"}}
		}, "aliases[0]"},
		{"non-numeric identity", func(c *config.Config) {
			c.Monitor.Identities = []config.IdentityConfig{{ID: "bob"}}
		}, "identities[0]"},
		{"unknown storage driver", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "redis", Path: "x"}
		}, "storage.driver"},
		{"sqlite without path", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "sqlite"}
		}, "storage.path"},
		{"bad status addr", func(c *config.Config) { c.Status.Addr = "6060" }, "status.addr"},
		{"bad nats prefix", func(c *config.Config) {
			c.NATS = config.NATSConfig{Enabled: true, SubjectPrefix: "fw.>"}
		}, "nats.subject_prefix"},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validateConfig = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapMonitorConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Monitor.EvictAfter = 100
	cfg.Monitor.LearnIdentities = true
	cfg.Monitor.Aliases = []config.AliasConfig{{Delegate: "genesis_1", Alias: "alice"}}
	cfg.Monitor.Identities = []config.IdentityConfig{{ID: " 42 ", Username: "@alice", FullName: "Alice A"}}

	got, err := mapMonitorConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Schedule != defaultSchedule {
		t.Fatalf("schedule = %q", got.Schedule)
	}
	if diff := cmp.Diff(delegate.Policy{MinStreak: 3, ReAlertInterval: 10}, got.Monitor.Policy); diff != "" {
		t.Fatalf("policy (-want +got):\n%s", diff)
	}
	if got.Monitor.EvictAfter != 100 || !got.Monitor.LearnIdentities {
		t.Fatalf("monitor = %+v", got.Monitor)
	}
	if diff := cmp.Diff([]transport.ChatTarget{{ChatID: -100, ThreadID: 4}}, got.Targets); diff != "" {
		t.Fatalf("targets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]delegate.AliasRecord{{Delegate: "genesis_1", Alias: "alice"}}, got.Monitor.Aliases); diff != "" {
		t.Fatalf("aliases (-want +got):\n%s", diff)
	}
	wantIDs := []delegate.ChatIdentity{{ID: "42", LoginName: "alice", FullName: "Alice A"}}
	if diff := cmp.Diff(wantIDs, got.Monitor.Identities); diff != "" {
		t.Fatalf("identities (-want +got):\n%s", diff)
	}
}

func TestMapNotifierDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapNotifierConfig(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.Workers != 2 || got.QueueSize != 512 || got.DedupWindow != time.Minute {
		t.Fatalf("defaults = %+v", got)
	}

	cfg := validConfig()
	cfg.Notifier = &config.NotifierConfig{Enabled: true, Workers: 5, DedupWindow: "5m"}
	got, err = mapNotifierConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Workers != 5 || got.DedupWindow != 5*time.Minute || got.RetryMax != 3 {
		t.Fatalf("overrides = %+v", got)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		sc          *config.StorageConfig
		want        storage.Config
		wantEnabled bool
	}{
		{"omitted", nil, storage.Config{}, false},
		{"none", &config.StorageConfig{Driver: "none"}, storage.Config{}, false},
		{"file", &config.StorageConfig{Driver: "File", Path: " ./state.json "}, storage.Config{Driver: "file", Path: "./state.json"}, true},
		{"sqlite default busy", &config.StorageConfig{Driver: "sqlite", Path: "fw.db"}, storage.Config{Driver: "sqlite", Path: "fw.db", BusyTimeout: time.Second}, true},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Storage = tt.sc
		got, enabled, err := mapStorageConfig(cfg)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if enabled != tt.wantEnabled {
			t.Fatalf("%s: enabled = %v", tt.name, enabled)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestMapStatusAndNATS(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	st, err := mapStatusConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if st.Addr != "127.0.0.1:6060" || st.ReadTimeout != 5*time.Second || st.WriteTimeout != 35*time.Second {
		t.Fatalf("status = %+v", st)
	}

	if _, enabled, err := mapNATSConfig(cfg); err != nil || enabled {
		t.Fatalf("nats disabled: enabled=%v err=%v", enabled, err)
	}
	cfg.NATS = config.NATSConfig{Enabled: true, URL: " nats://10.0.0.1:4222 ", ReconnectWait: "5s"}
	nc, enabled, err := mapNATSConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("nats enabled: enabled=%v err=%v", enabled, err)
	}
	if nc.URL != "nats://10.0.0.1:4222" || nc.ReconnectWait != 5*time.Second {
		t.Fatalf("nats = %+v", nc)
	}
}

type auditStore struct {
	storage.Store
	mu      sync.Mutex
	entries []storage.AuditEntry
	err     error
}

func (s *auditStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func TestStoreAuditor(t *testing.T) {
	t.Parallel()
	st := &auditStore{}
	a := &storeAuditor{store: st, log: logx.Nop()}

	// An already-canceled handler context must not lose the record.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := &router.Request{
		Chat:    transport.ChatTarget{ChatID: -100},
		From:    transport.Sender{ID: 7, Username: "alice"},
		Command: "delegate",
		RawArgs: "genesis_1",
	}
	a.Audit(ctx, req, errors.New("boom"), 1500*time.Millisecond)
	a.Audit(context.Background(), req, nil, 0)

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.entries) != 2 {
		t.Fatalf("entries = %d", len(st.entries))
	}
	first := st.entries[0]
	if first.ActorID != 7 || first.ActorUsername != "alice" || first.ChatID != -100 ||
		first.Command != "delegate" || first.Args != "genesis_1" || first.OK || first.Error != "boom" || first.TookMS != 1500 {
		t.Fatalf("first = %+v", first)
	}
	if !st.entries[1].OK || st.entries[1].Error != "" {
		t.Fatalf("second = %+v", st.entries[1])
	}
}

func TestStepDeadline(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	a.step(context.Background(), "stuck", 50*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("step blocked for %v", took)
	}

	ran := false
	a.step(context.Background(), "panics", time.Second, func(ctx context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatal("step did not run")
	}
}

func TestPollNowDisabled(t *testing.T) {
	t.Parallel()
	a := &App{}
	if err := a.pollNow(); err == nil {
		t.Fatal("pollNow with monitor disabled succeeded")
	}
}

func TestPollNowWhileReloadTogglesMonitor(t *testing.T) {
	t.Parallel()
	a := &App{sched: scheduler.New(scheduler.Config{}, logx.Nop(), nil)}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			a.monitorOn.Store(i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			// The scheduler is not started, so every call errors either way.
			if err := a.pollNow(); err == nil {
				t.Error("pollNow succeeded without a started scheduler")
				return
			}
		}
	}()
	wg.Wait()
}
