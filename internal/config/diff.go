package config

import (
	"reflect"
	"strings"

	logx "forgewatch/pkg/logx"
)

// RestartRequired lists sections that are only read at startup.
var RestartRequired = map[string]bool{
	"storage": true,
	"nats":    true,
}

// SummarizeConfigChange returns the changed sections and safe log fields.
// Secrets (bot token, status token, NATS creds path) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.Workers != newCfg.Telegram.Workers ||
		oldCfg.Telegram.CommandTimeout != newCfg.Telegram.CommandTimeout ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.String("telegram.command_timeout", newCfg.Telegram.CommandTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		m := newCfg.Monitor
		attrs = append(attrs,
			logx.Bool("monitor.enabled", m.Enabled),
			logx.String("monitor.schedule", m.Schedule),
			logx.Int64("monitor.min_missed_blocks", m.MinMissedBlocks),
			logx.Int64("monitor.block_interval_notification", m.BlockIntervalNotification),
			logx.Int("monitor.targets", len(m.Targets)),
			logx.Int("monitor.identities", len(m.Identities)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	os, ns := oldCfg.Status, newCfg.Status
	tokenChanged := (os.Token != "") != (ns.Token != "")
	os.Token, ns.Token = "", ""
	if tokenChanged || os != ns {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", ns.Enabled),
			logx.String("status.addr", ns.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}

	if oldCfg.NATS != newCfg.NATS {
		changed = append(changed, "nats")
	}

	return changed, attrs
}
