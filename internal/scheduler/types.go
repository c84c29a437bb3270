package scheduler

import (
	"time"

	"curator/internal/queue"
)

// State is the scheduler's lifecycle state. PROCESSING is transient while at
// least one job runs and reverts to RUNNING regardless of outcome.
type State string

const (
	StateStopped    State = "STOPPED"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateProcessing State = "PROCESSING"
)

// keepRecords bounds the trailing completed/failed lists in the state doc.
const keepRecords = 50

// JobRecord is a compact summary of a finished job for the trailing lists.
type JobRecord struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id"`
	Collection string    `json:"collection"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	NewItems   int       `json:"new_items,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot is the dashboard projection of the scheduler.
type Snapshot struct {
	State          State       `json:"state"`
	TimerRemaining int64       `json:"timer_remaining_seconds"`
	LastProcessEnd *time.Time  `json:"last_process_end,omitempty"`
	NextExecution  *time.Time  `json:"next_execution,omitempty"`
	CurrentJob     *queue.Job  `json:"current_job,omitempty"`
	Running        int         `json:"running"`
	Completed      int         `json:"completed_count"`
	Failed         int         `json:"failed_count"`
	IntervalSec    int64       `json:"interval_seconds"`
	RecentComplete []JobRecord `json:"recent_completed,omitempty"`
	RecentFailed   []JobRecord `json:"recent_failed,omitempty"`
}

type stateDoc struct {
	State          State       `json:"state"`
	TimerRemaining int64       `json:"timerRemaining"`
	LastProcessEnd *time.Time  `json:"lastProcessEnd"`
	CurrentJob     *queue.Job  `json:"currentJob"`
	CompletedJobs  []JobRecord `json:"completedJobs"`
	FailedJobs     []JobRecord `json:"failedJobs"`
	Config         configDoc   `json:"config"`
}

type configDoc struct {
	UpdateIntervalSeconds int64 `json:"updateIntervalSeconds"`
	TickIntervalSeconds   int64 `json:"tickIntervalSeconds"`
	SaveIntervalSeconds   int64 `json:"saveIntervalSeconds"`
	ExpireSweepSeconds    int64 `json:"expireSweepSeconds"`
	MaxConcurrent         int   `json:"maxConcurrent"`
}
