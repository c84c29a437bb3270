package config

// Config is the whole on-disk configuration. JSON and YAML are both accepted;
// YAML is coerced through the same strict JSON decoder so unknown keys fail
// loudly in either format.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "30m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Queue      QueueConfig      `json:"queue"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Quarantine QuarantineConfig `json:"quarantine"`
	Library    LibraryConfig    `json:"library"`
	Notify     *NotifyConfig    `json:"notify,omitempty"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "dir": "./data" }
//
// Omitting the section (or driver "none") runs the daemon memory-only;
// state is lost on restart and a warning is logged at startup.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Dir         string `json:"dir"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig controls the job queue.
//
// Defaults (when fields are omitted/zero):
//   - max_retries: 3
//   - job_timeout: "5m"
//   - history_size: 1000 (in memory; the persisted document keeps the last 100)
type QueueConfig struct {
	MaxRetries  int    `json:"max_retries,omitempty"`
	JobTimeout  string `json:"job_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// SchedulerConfig controls the auto-update scheduler.
//
// Defaults:
//   - update_interval: "30m"  (idle time after a cycle ends before auto work)
//   - tick_interval: "1s"     (poll granularity; best-effort, not high precision)
//   - save_interval: "1m"     (periodic state persistence)
//   - expire_sweep_interval: "30s"
//   - max_concurrent: 1
type SchedulerConfig struct {
	Enabled             bool   `json:"enabled"`
	UpdateInterval      string `json:"update_interval,omitempty"`
	TickInterval        string `json:"tick_interval,omitempty"`
	SaveInterval        string `json:"save_interval,omitempty"`
	ExpireSweepInterval string `json:"expire_sweep_interval,omitempty"`
	MaxConcurrent       int    `json:"max_concurrent,omitempty"`
}

// QuarantineConfig centralizes both failure thresholds so the engine and any
// dashboard read the same values.
//
// Defaults:
//   - threshold: 10      (consecutive errors that trip quarantine)
//   - warn_threshold: 7  (near-threshold warning level)
//   - reset_schedule: "0 0 * * *" (daily counters reset, standard cron spec)
type QuarantineConfig struct {
	Threshold     int    `json:"threshold,omitempty"`
	WarnThreshold int    `json:"warn_threshold,omitempty"`
	ResetSchedule string `json:"reset_schedule,omitempty"`
}

// LibraryConfig controls the work-item registry.
//
// Defaults:
//   - cache_ttl: "5m"
type LibraryConfig struct {
	CacheTTL string `json:"cache_ttl,omitempty"`
}

// NotifyConfig controls the async webhook notification pipeline.
// If the whole section is omitted, notifications are disabled.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	WebhookURL      string `json:"webhook_url"`
	Timeout         string `json:"timeout,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so /profile
	// (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
