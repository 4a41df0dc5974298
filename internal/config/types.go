package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Monitor   MonitorConfig   `json:"monitor"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Status   StatusConfig    `json:"status,omitempty"`
	NATS     NATSConfig      `json:"nats,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`

	// Command dispatch. Zero values fall back to 4 workers and "30s".
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings and errors into a chat thread.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// Timezone for cron schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls persistence of streak state, learned identities
// and notifier dedup.
//
//	"storage": { "driver": "sqlite", "path": "./forgewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// MonitorConfig drives the delegate poll loop.
type MonitorConfig struct {
	Enabled bool `json:"enabled"`

	// Node is the primary API base URL; BackupNodes are tried in order
	// when it fails.
	Node           string   `json:"node"`
	BackupNodes    []string `json:"backup_nodes,omitempty"`
	RequestTimeout string   `json:"request_timeout,omitempty"`
	RatePerSec     float64  `json:"rate_per_sec,omitempty"`
	NumDelegates   int      `json:"num_delegates,omitempty"`

	// Schedule accepts cron, Go durations or "HH:MM" intervals.
	Schedule string `json:"schedule,omitempty"`

	MinMissedBlocks           int64 `json:"min_missed_blocks"`
	BlockIntervalNotification int64 `json:"block_interval_notification"`
	EvictAfter                int   `json:"evict_after,omitempty"`

	Targets         []TargetConfig   `json:"targets"`
	Aliases         []AliasConfig    `json:"aliases,omitempty"`
	Identities      []IdentityConfig `json:"identities,omitempty"`
	LearnIdentities bool             `json:"learn_identities,omitempty"`
}

type TargetConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type AliasConfig struct {
	Delegate string `json:"delegate"`
	Alias    string `json:"alias"`
}

type IdentityConfig struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// StatusConfig controls the optional HTTP status server.
//
// Prefer a loopback address. A non-loopback address needs a token unless
// allow_insecure is set.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NATSConfig mirrors monitor events onto a NATS server.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"`
	Name          string `json:"name,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"` // default: "forgewatch"
	CredsFile     string `json:"creds_file,omitempty"`
	ReconnectWait string `json:"reconnect_wait,omitempty"`
}
