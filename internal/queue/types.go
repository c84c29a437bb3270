package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs; lower value is served first.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// State is a job's lifecycle state. Transitions are enforced by the queue;
// nothing else writes job state.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
	StateExpired    State = "EXPIRED"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Terminal reports whether a job in this state is finished for good and
// belongs in history.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Job is one unit of scheduled work targeting a library item.
//
// ScheduledFor gates eligibility: a job whose ScheduledFor lies in the future
// stays in the waiting set but is skipped by DequeueNext. Retry backoff works
// by pushing ScheduledFor forward.
type Job struct {
	ID         string   `json:"id"`
	TargetID   string   `json:"target_id"`
	Collection string   `json:"collection"`
	Priority   Priority `json:"priority"`
	State      State    `json:"state"`

	CreatedAt    time.Time  `json:"created_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	RetryCount     int `json:"retry_count"`
	MaxRetries     int `json:"max_retries"`
	TimeoutSeconds int `json:"timeout_seconds"`

	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// seq breaks (priority, created_at) ties by insertion order.
	// Assigned on enqueue and on crash-recovery reload; not persisted.
	seq uint64
}

// clone returns a detached copy safe to hand outside the lock.
func (j *Job) clone() Job {
	cp := *j
	if j.ScheduledFor != nil {
		t := *j.ScheduledFor
		cp.ScheduledFor = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Metadata != nil {
		m := make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}
	return cp
}

// eligibleAt reports whether the job may be dequeued at now.
func (j *Job) eligibleAt(now time.Time) bool {
	return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
}

// less is the total dequeue order: priority, then creation time, then
// insertion order.
func (j *Job) less(o *Job) bool {
	if j.Priority != o.Priority {
		return j.Priority < o.Priority
	}
	if !j.CreatedAt.Equal(o.CreatedAt) {
		return j.CreatedAt.Before(o.CreatedAt)
	}
	return j.seq < o.seq
}

const (
	// OriginManual and OriginAuto namespace job IDs by who created them.
	OriginManual = "manual"
	OriginAuto   = "auto"
)

func newJobID(origin string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", origin, now.Unix(), uuid.NewString()[:8])
}

// Metrics are running counters derived from job transitions. They are
// recomputable from history and never authoritative.
type Metrics struct {
	TotalJobs  int `json:"total_jobs"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Expired    int `json:"expired"`

	// AvgProcessingMS is an exponential moving average of job run duration.
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	// SuccessRate is completed / (completed + failed + expired).
	SuccessRate float64 `json:"success_rate"`

	ByPriority   map[string]int `json:"by_priority"`
	ByCollection map[string]int `json:"by_collection"`

	UpdatedAt time.Time `json:"updated_at"`
}

// emaAlpha weights new samples into AvgProcessingMS.
const emaAlpha = 0.1

func (m *Metrics) observeDuration(d time.Duration) {
	ms := float64(d.Milliseconds())
	if m.AvgProcessingMS == 0 {
		m.AvgProcessingMS = ms
		return
	}
	m.AvgProcessingMS = m.AvgProcessingMS*(1-emaAlpha) + ms*emaAlpha
}

func (m *Metrics) recomputeRate() {
	done := m.Completed + m.Failed + m.Expired
	if done == 0 {
		m.SuccessRate = 0
		return
	}
	m.SuccessRate = float64(m.Completed) / float64(done)
}

// Status is a read-only projection of the queue for display. Jobs are copies;
// mutating them has no effect on the queue.
type Status struct {
	Pending    int   `json:"pending"`
	Processing int   `json:"processing"`
	Waiting    []Job `json:"waiting"`
	Active     []Job `json:"active"`
}
