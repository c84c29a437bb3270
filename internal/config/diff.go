package config

import (
	"reflect"
	"sort"
	"strings"

	logx "curator/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_retries", newCfg.Queue.MaxRetries),
			logx.String("queue.job_timeout", strings.TrimSpace(newCfg.Queue.JobTimeout)),
			logx.Int("queue.history_size", newCfg.Queue.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.update_interval", strings.TrimSpace(newCfg.Scheduler.UpdateInterval)),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
		)
	}

	if !reflect.DeepEqual(oldCfg.Quarantine, newCfg.Quarantine) {
		changed = append(changed, "quarantine")
		attrs = append(attrs,
			logx.Int("quarantine.threshold", newCfg.Quarantine.Threshold),
			logx.Int("quarantine.warn_threshold", newCfg.Quarantine.WarnThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Library, newCfg.Library) {
		changed = append(changed, "library")
		attrs = append(attrs,
			logx.String("library.cache_ttl", strings.TrimSpace(newCfg.Library.CacheTTL)),
		)
	}

	// Notify (never log the webhook URL itself; it may embed a secret path)
	oldN, newN := oldCfg.Notify, newCfg.Notify
	if (oldN == nil) != (newN == nil) || (oldN != nil && newN != nil && !reflect.DeepEqual(*oldN, *newN)) {
		changed = append(changed, "notify")
		var enabled, urlSet bool
		var workers int
		if newN != nil {
			enabled = newN.Enabled
			urlSet = strings.TrimSpace(newN.WebhookURL) != ""
			workers = newN.Workers
		}
		attrs = append(attrs,
			logx.Bool("notify.enabled", enabled),
			logx.Bool("notify.webhook_set", urlSet),
			logx.Int("notify.workers", workers),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver string
	var oDirSet, nDirSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oDirSet = strings.TrimSpace(oldCfg.Storage.Dir) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nDirSet = strings.TrimSpace(newCfg.Storage.Dir) != ""
	}
	if oDriver != nDriver || oDirSet != nDirSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.dir_set", nDirSet),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
