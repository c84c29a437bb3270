package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate performs structural checks only. Defaults for omitted values are
// applied by each service's Normalize, not here, so a minimal config stays
// minimal on disk.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	durFields := []struct {
		path string
		raw  string
	}{
		{"queue.job_timeout", c.Queue.JobTimeout},
		{"scheduler.update_interval", c.Scheduler.UpdateInterval},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"scheduler.save_interval", c.Scheduler.SaveInterval},
		{"scheduler.expire_sweep_interval", c.Scheduler.ExpireSweepInterval},
		{"library.cache_ttl", c.Library.CacheTTL},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	}
	if c.Storage != nil {
		durFields = append(durFields, struct {
			path string
			raw  string
		}{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	if c.Notify != nil {
		durFields = append(durFields,
			struct {
				path string
				raw  string
			}{"notify.timeout", c.Notify.Timeout},
			struct {
				path string
				raw  string
			}{"notify.retry_base", c.Notify.RetryBase},
			struct {
				path string
				raw  string
			}{"notify.retry_max_delay", c.Notify.RetryMaxDelay},
			struct {
				path string
				raw  string
			}{"notify.dedup_window", c.Notify.DedupWindow},
		)
	}
	for _, f := range durFields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	if c.Queue.HistorySize < 0 {
		return errors.New("queue.history_size must be >= 0")
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return errors.New("scheduler.max_concurrent must be >= 0")
	}

	if c.Quarantine.Threshold < 0 || c.Quarantine.WarnThreshold < 0 {
		return errors.New("quarantine thresholds must be >= 0")
	}
	if c.Quarantine.Threshold > 0 && c.Quarantine.WarnThreshold > c.Quarantine.Threshold {
		return fmt.Errorf("quarantine.warn_threshold (%d) must not exceed quarantine.threshold (%d)",
			c.Quarantine.WarnThreshold, c.Quarantine.Threshold)
	}
	if s := strings.TrimSpace(c.Quarantine.ResetSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("quarantine.reset_schedule: %w", err)
		}
	}

	if c.Notify != nil && c.Notify.Enabled && strings.TrimSpace(c.Notify.WebhookURL) == "" {
		return errors.New("notify.webhook_url is required when notify is enabled")
	}

	if c.Storage != nil {
		d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		switch d {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if (d == "file" || d == "sqlite" || d == "sqlite3") && strings.TrimSpace(c.Storage.Dir) == "" {
			return errors.New("storage.dir is required for driver " + d)
		}
	}

	return nil
}
