package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json docs + jsonl audit)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and components run
// memory-only (degraded durability, logged at startup).
type Config struct {
	Driver      string
	Dir         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator or engine action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time `json:"at"`
	Actor      string    `json:"actor,omitempty"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms,omitempty"`
	MetaJSON   string    `json:"meta,omitempty"`
}

// Doc names used by the core services. Nested names map to subdirectories
// under the file driver, mirroring the on-disk layout operators already know.
const (
	DocQueueState       = "queue_state"
	DocQueueMetrics     = "queue_metrics"
	DocQueueHistory     = "queue_history"
	DocSchedulerState   = "scheduler_state"
	DocQuarantineEvents = "quarantine/events"
	DocQuarantineStats  = "quarantine/stats"
	DocNotifyDedup      = "notify/dedup"
	DocLibraryPrefix    = "library/"
)
