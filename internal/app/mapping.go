package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"forgewatch/internal/config"
	"forgewatch/internal/delegate"
	"forgewatch/internal/monitor"
	"forgewatch/internal/natsbridge"
	"forgewatch/internal/nodeapi"
	"forgewatch/internal/notifier"
	"forgewatch/internal/scheduler"
	"forgewatch/internal/status"
	"forgewatch/internal/storage"
	"forgewatch/internal/transport"
	"forgewatch/internal/transport/telegram/router"
	logx "forgewatch/pkg/logx"
)

const (
	defaultSchedule     = "10s"
	defaultPollTimeout  = 10 * time.Second
	defaultCycleTimeout = 60 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChatID:     l.Chat.ChatID,
			ThreadID:   l.Chat.ThreadID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapRouterOptions(cfg *config.Config) (router.Options, error) {
	t := cfg.Telegram
	if t.Workers < 0 {
		return router.Options{}, errors.New("telegram.workers must be >= 0")
	}
	timeout, err := config.ParseDurationField("telegram.command_timeout", t.CommandTimeout)
	if err != nil {
		return router.Options{}, err
	}
	return router.Options{Workers: t.Workers, CommandTimeout: timeout, Owners: t.OwnerUserIDs}, nil
}

// mapNotifierConfig fills defaults. An omitted notifier section means
// enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, errors.New("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, errors.New("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, errors.New("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, errors.New("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, errors.New("notifier.dedup_max_entries must be >= 0")
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNodeConfig(cfg *config.Config) (nodeapi.Config, error) {
	m := cfg.Monitor
	timeout, err := config.ParseDurationField("monitor.request_timeout", m.RequestTimeout)
	if err != nil {
		return nodeapi.Config{}, err
	}
	if m.RatePerSec < 0 {
		return nodeapi.Config{}, errors.New("monitor.rate_per_sec must be >= 0")
	}
	if m.NumDelegates < 0 {
		return nodeapi.Config{}, errors.New("monitor.num_delegates must be >= 0")
	}
	for i, n := range append([]string{m.Node}, m.BackupNodes...) {
		if strings.TrimSpace(n) == "" {
			continue
		}
		if err := checkNodeURL(n); err != nil {
			if i == 0 {
				return nodeapi.Config{}, fmt.Errorf("monitor.node: %w", err)
			}
			return nodeapi.Config{}, fmt.Errorf("monitor.backup_nodes[%d]: %w", i-1, err)
		}
	}
	return nodeapi.Config{
		Node:        m.Node,
		BackupNodes: m.BackupNodes,
		Timeout:     timeout,
		RatePerSec:  m.RatePerSec,
		Limit:       m.NumDelegates,
	}, nil
}

func checkNodeURL(raw string) error {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// monitorSettings is the part of the monitor section that is applied as a
// unit on reload.
type monitorSettings struct {
	Monitor  monitor.Config
	Schedule string // validated
	Targets  []transport.ChatTarget
}

func mapMonitorConfig(cfg *config.Config) (monitorSettings, error) {
	m := cfg.Monitor
	if m.MinMissedBlocks <= 0 {
		return monitorSettings{}, errors.New("monitor.min_missed_blocks must be > 0")
	}
	if m.BlockIntervalNotification <= 0 {
		return monitorSettings{}, errors.New("monitor.block_interval_notification must be > 0")
	}
	if m.EvictAfter < 0 {
		return monitorSettings{}, errors.New("monitor.evict_after must be >= 0")
	}
	if m.Enabled && strings.TrimSpace(m.Node) == "" {
		return monitorSettings{}, errors.New("monitor.node is required when monitor.enabled=true")
	}

	raw := strings.TrimSpace(m.Schedule)
	if raw == "" {
		raw = defaultSchedule
	}
	if _, err := scheduler.ParseSchedule(raw); err != nil {
		return monitorSettings{}, fmt.Errorf("monitor.schedule: %w", err)
	}

	out := monitorSettings{
		Monitor: monitor.Config{
			Policy: delegate.Policy{
				MinStreak:       m.MinMissedBlocks,
				ReAlertInterval: m.BlockIntervalNotification,
			},
			EvictAfter:      m.EvictAfter,
			LearnIdentities: m.LearnIdentities,
		},
		Schedule: raw,
	}
	for i, t := range m.Targets {
		if t.ChatID == 0 {
			return monitorSettings{}, fmt.Errorf("monitor.targets[%d].chat_id is required", i)
		}
		out.Targets = append(out.Targets, transport.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID})
	}
	for i, a := range m.Aliases {
		if strings.TrimSpace(a.Delegate) == "" || strings.TrimSpace(a.Alias) == "" {
			return monitorSettings{}, fmt.Errorf("monitor.aliases[%d]: delegate and alias are required", i)
		}
		out.Monitor.Aliases = append(out.Monitor.Aliases, delegate.AliasRecord{Delegate: a.Delegate, Alias: a.Alias})
	}
	for i, id := range m.Identities {
		if _, err := strconv.ParseInt(strings.TrimSpace(id.ID), 10, 64); err != nil {
			return monitorSettings{}, fmt.Errorf("monitor.identities[%d].id must be a numeric user id", i)
		}
		out.Monitor.Identities = append(out.Monitor.Identities, delegate.ChatIdentity{
			ID:          strings.TrimSpace(id.ID),
			LoginName:   strings.TrimPrefix(strings.TrimSpace(id.Username), "@"),
			FullName:    id.FullName,
			DisplayName: id.DisplayName,
		})
	}
	return out, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	out := status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = status.DefaultAddr
	}
	if _, _, err := net.SplitHostPort(out.Addr); err != nil {
		return status.Config{}, fmt.Errorf("status.addr: %w", err)
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second); err != nil {
		return status.Config{}, err
	}
	// pprof profile/trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 35*time.Second); err != nil {
		return status.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return status.Config{}, err
	}
	return out, nil
}

func mapNATSConfig(cfg *config.Config) (natsbridge.Config, bool, error) {
	nc := cfg.NATS
	if !nc.Enabled {
		return natsbridge.Config{}, false, nil
	}
	wait, err := config.ParseDurationField("nats.reconnect_wait", nc.ReconnectWait)
	if err != nil {
		return natsbridge.Config{}, false, err
	}
	prefix := strings.TrimSpace(nc.SubjectPrefix)
	if strings.ContainsAny(prefix, "*> \t") {
		return natsbridge.Config{}, false, fmt.Errorf("nats.subject_prefix: invalid %q", prefix)
	}
	return natsbridge.Config{
		URL:           strings.TrimSpace(nc.URL),
		Name:          strings.TrimSpace(nc.Name),
		SubjectPrefix: prefix,
		CredsFile:     strings.TrimSpace(nc.CredsFile),
		ReconnectWait: wait,
	}, true, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz}, nil
}

// validateConfig rejects a config before it is committed, at startup and
// on every hot reload.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Logging.Chat.Enabled && cfg.Logging.Chat.ChatID == 0 {
		return errors.New("logging.chat.chat_id is required when logging.chat.enabled=true")
	}
	steps := []func() error{
		func() error { _, err := mapRouterOptions(cfg); return err },
		func() error { _, err := mapSchedulerConfig(cfg); return err },
		func() error { _, err := mapNotifierConfig(cfg); return err },
		func() error { _, _, err := mapStorageConfig(cfg); return err },
		func() error { _, err := mapNodeConfig(cfg); return err },
		func() error { _, err := mapMonitorConfig(cfg); return err },
		func() error { _, err := mapStatusConfig(cfg); return err },
		func() error { _, _, err := mapNATSConfig(cfg); return err },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
