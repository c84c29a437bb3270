package quarantine

import "time"

const (
	// ActionQuarantined records an automatic threshold trip.
	ActionQuarantined = "quarantined"
	// ActionManualRestore records an operator bringing an item back.
	ActionManualRestore = "manual_restore"
)

// Event is one quarantine status change, kept in a bounded append-only log.
type Event struct {
	Target     string    `json:"target_id"`
	Collection string    `json:"collection"`
	Action     string    `json:"action"`
	ErrorCount int       `json:"error_count"`
	At         time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// Stats summarizes the quarantine system. Occupancy numbers are recomputed
// from the registry on demand; the daily counters reset at local midnight.
// CountersDay records which day the counters belong to, so a daemon restarted
// on a later day does not resurrect stale numbers.
type Stats struct {
	TotalQuarantined     int            `json:"total_quarantined"`
	ByCollection         map[string]int `json:"by_collection"`
	LastCheckAt          *time.Time     `json:"last_check_at,omitempty"`
	AutoQuarantinesToday int            `json:"auto_quarantines_today"`
	ManualRestoresToday  int            `json:"manual_restores_today"`
	CountersDay          string         `json:"counters_day,omitempty"`
}

