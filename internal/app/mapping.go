package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"curator/internal/config"
	"curator/internal/library"
	"curator/internal/notify"
	"curator/internal/observability/pprof"
	"curator/internal/quarantine"
	"curator/internal/queue"
	"curator/internal/scheduler"
	"curator/internal/storage"
	logx "curator/pkg/logx"
)

// The map* funcs translate config sections (duration strings, optional
// sections) into each component's Config. They double as the validator's
// deep checks, so every one of them must be safe on a nil config.

func mapLoggingConfig(cfg *config.Config, debug bool) logx.Config {
	out := logx.Config{}
	if cfg != nil {
		out = logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		}
	}
	if debug {
		out.Level = "debug"
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	dir := strings.TrimSpace(sc.Dir)

	switch driver {
	case "file":
		if dir == "" {
			return storage.Config{}, false, errors.New("storage.dir is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Dir: dir}, true, nil
	case "sqlite", "sqlite3":
		if dir == "" {
			return storage.Config{}, false, errors.New("storage.dir is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Dir: dir, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	if cfg == nil {
		return queue.Config{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("queue.job_timeout", cfg.Queue.JobTimeout, 0)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		MaxRetries:  cfg.Queue.MaxRetries,
		JobTimeout:  timeout,
		HistorySize: cfg.Queue.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	if cfg == nil {
		return scheduler.Config{}, nil
	}
	out := scheduler.Config{MaxConcurrent: cfg.Scheduler.MaxConcurrent}

	var err error
	if out.UpdateInterval, err = config.ParseDurationOrDefault("scheduler.update_interval", cfg.Scheduler.UpdateInterval, 0); err != nil {
		return scheduler.Config{}, err
	}
	if out.TickInterval, err = config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 0); err != nil {
		return scheduler.Config{}, err
	}
	if out.SaveInterval, err = config.ParseDurationOrDefault("scheduler.save_interval", cfg.Scheduler.SaveInterval, 0); err != nil {
		return scheduler.Config{}, err
	}
	if out.ExpireSweepInterval, err = config.ParseDurationOrDefault("scheduler.expire_sweep_interval", cfg.Scheduler.ExpireSweepInterval, 0); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapLibraryConfig(cfg *config.Config) (library.Config, error) {
	if cfg == nil {
		return library.Config{}, nil
	}
	ttl, err := config.ParseDurationOrDefault("library.cache_ttl", cfg.Library.CacheTTL, 0)
	if err != nil {
		return library.Config{}, err
	}
	return library.Config{CacheTTL: ttl}, nil
}

func mapQuarantineConfig(cfg *config.Config) quarantine.Config {
	if cfg == nil {
		return quarantine.Config{}
	}
	return quarantine.Config{
		Threshold:     cfg.Quarantine.Threshold,
		WarnThreshold: cfg.Quarantine.WarnThreshold,
		ResetSchedule: cfg.Quarantine.ResetSchedule,
	}
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg == nil || cfg.Notify == nil {
		return notify.Config{}, nil
	}
	nc := cfg.Notify
	out := notify.Config{
		Enabled:         nc.Enabled,
		WebhookURL:      strings.TrimSpace(nc.WebhookURL),
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	if out.Enabled && out.WebhookURL == "" {
		return notify.Config{}, errors.New("notify.webhook_url is required when notify is enabled")
	}

	var err error
	if out.SendTimeout, err = config.ParseDurationOrDefault("notify.timeout", nc.Timeout, 0); err != nil {
		return notify.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 0); err != nil {
		return notify.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 0); err != nil {
		return notify.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notify.dedup_window", nc.DedupWindow, 0); err != nil {
		return notify.Config{}, err
	}
	return out, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	if cfg == nil {
		return pprof.Config{}, nil
	}
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 0); err != nil {
		return pprof.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("pprof.write_timeout", pc.WriteTimeout, 0); err != nil {
		return pprof.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 0); err != nil {
		return pprof.Config{}, err
	}
	return out, nil
}
