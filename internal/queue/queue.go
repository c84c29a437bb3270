// Package queue implements the shared priority job queue: a waiting set
// ordered by (priority, creation time), an in-flight table, a bounded history
// ring and derived metrics, all persisted as JSON documents.
//
// One mutex serializes every mutation. Persistence follows
// copy-then-release-then-write: documents are snapshotted under the lock and
// written after release, so disk latency never blocks other callers.
package queue

import (
	"fmt"
	"sync"
	"time"

	"curator/internal/eventbus"
	"curator/internal/storage"
	logx "curator/pkg/logx"
)

type Config struct {
	// MaxRetries bounds automatic re-enqueues per job (default 3).
	MaxRetries int
	// JobTimeout is the per-job processing deadline (default 5m).
	JobTimeout time.Duration
	// HistorySize bounds the in-memory history ring (default 1000).
	// The persisted history document keeps the most recent PersistedHistory.
	HistorySize      int
	PersistedHistory int
	// RetryBase is the backoff unit; the k-th retry waits 2^k * RetryBase
	// (default 1m, so 2, 4, 8 minutes).
	RetryBase time.Duration

	Store storage.Store
	Bus   eventbus.Bus
	Log   logx.Logger

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time
}

func (c Config) normalized() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.PersistedHistory <= 0 {
		c.PersistedHistory = 100
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Queue is the single shared job queue. Both the scheduler worker and manual
// entry points (dashboard, CLI) go through it.
type Queue struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	waiting []*Job
	active  map[string]*Job
	history []*Job
	metrics Metrics
	seq     uint64
}

func New(cfg Config) *Queue {
	cfg = cfg.normalized()
	q := &Queue{
		cfg:    cfg,
		log:    cfg.Log.With(logx.String("component", "queue")),
		active: map[string]*Job{},
		metrics: Metrics{
			ByPriority:   map[string]int{},
			ByCollection: map[string]int{},
		},
	}
	q.restore()
	return q
}

func (q *Queue) now() time.Time { return q.cfg.Now() }

// EnqueueManual adds an operator-initiated job. Manual jobs carry URGENT or
// HIGH priority so they always win against automatic work.
func (q *Queue) EnqueueManual(targetID, collection string, prio Priority, meta map[string]string) (string, error) {
	if prio != PriorityUrgent && prio != PriorityHigh {
		return "", fmt.Errorf("manual job priority must be URGENT or HIGH, got %s", prio)
	}
	return q.enqueue(OriginManual, targetID, collection, prio, nil, meta), nil
}

// EnqueueAuto adds a scheduler-generated job at NORMAL priority. A non-nil
// notBefore keeps the job out of dequeue until that instant.
func (q *Queue) EnqueueAuto(targetID, collection string, notBefore *time.Time, meta map[string]string) string {
	return q.enqueue(OriginAuto, targetID, collection, PriorityNormal, notBefore, meta)
}

func (q *Queue) enqueue(origin, targetID, collection string, prio Priority, notBefore *time.Time, meta map[string]string) string {
	now := q.now()
	j := &Job{
		ID:             newJobID(origin, now),
		TargetID:       targetID,
		Collection:     collection,
		Priority:       prio,
		State:          StatePending,
		CreatedAt:      now,
		MaxRetries:     q.cfg.MaxRetries,
		TimeoutSeconds: int(q.cfg.JobTimeout / time.Second),
	}
	if notBefore != nil {
		t := *notBefore
		j.ScheduledFor = &t
	}
	if len(meta) > 0 {
		j.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			j.Metadata[k] = v
		}
	}

	q.mu.Lock()
	q.seq++
	j.seq = q.seq
	q.waiting = append(q.waiting, j)
	q.metrics.TotalJobs++
	q.metrics.Pending++
	q.metrics.ByPriority[prio.String()]++
	q.metrics.ByCollection[collection]++
	q.metrics.UpdatedAt = now
	docs := q.snapshotDocsLocked(false)
	q.mu.Unlock()

	q.persist(docs)
	q.log.Debug("job enqueued",
		logx.JobID(j.ID),
		logx.Target(targetID),
		logx.Collection(collection),
		logx.String("priority", prio.String()),
	)
	return j.ID
}

// DequeueNext pops the best eligible job and moves it PENDING -> PROCESSING.
// Returns nil when nothing is eligible. Non-blocking.
//
// The order is re-evaluated on every call: future-gated jobs are skipped in
// place, never removed, so a backoff job keeps its slot in the total order.
func (q *Queue) DequeueNext() *Job {
	now := q.now()

	q.mu.Lock()
	idx := q.bestEligibleLocked(now)
	if idx < 0 {
		q.mu.Unlock()
		return nil
	}
	j := q.waiting[idx]
	q.waiting = append(q.waiting[:idx], q.waiting[idx+1:]...)
	t := now
	j.State = StateProcessing
	j.StartedAt = &t
	q.active[j.ID] = j
	q.metrics.Pending--
	q.metrics.Processing++
	q.metrics.UpdatedAt = now
	cp := j.clone()
	docs := q.snapshotDocsLocked(false)
	q.mu.Unlock()

	q.persist(docs)
	q.log.Debug("job dequeued", logx.JobID(cp.ID), logx.String("priority", cp.Priority.String()))
	return &cp
}

func (q *Queue) bestEligibleLocked(now time.Time) int {
	best := -1
	for i, j := range q.waiting {
		if !j.eligibleAt(now) {
			continue
		}
		if best < 0 || j.less(q.waiting[best]) {
			best = i
		}
	}
	return best
}

// NextWaitingPriority reports the priority of the job DequeueNext would
// return, without mutating anything. Used by the scheduler to let manual
// work preempt the idle timer.
func (q *Queue) NextWaitingPriority() (Priority, bool) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.bestEligibleLocked(now)
	if idx < 0 {
		return 0, false
	}
	return q.waiting[idx].Priority, true
}

// Complete moves an in-flight job to COMPLETED. Returns false if the job is
// not currently processing.
func (q *Queue) Complete(jobID string, resultMeta map[string]string) bool {
	now := q.now()

	q.mu.Lock()
	j, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.active, jobID)
	j.State = StateCompleted
	t := now
	j.CompletedAt = &t
	if len(resultMeta) > 0 {
		if j.Metadata == nil {
			j.Metadata = make(map[string]string, len(resultMeta))
		}
		for k, v := range resultMeta {
			j.Metadata[k] = v
		}
	}
	q.metrics.Processing--
	q.metrics.Completed++
	if j.StartedAt != nil {
		q.metrics.observeDuration(now.Sub(*j.StartedAt))
	}
	q.metrics.recomputeRate()
	q.metrics.UpdatedAt = now
	q.archiveLocked(j)
	ev := j.clone()
	docs := q.snapshotDocsLocked(true)
	q.mu.Unlock()

	q.persist(docs)
	q.publish(eventbus.TopicJobCompleted, ev)
	q.log.Info("job completed", logx.JobID(jobID), logx.Target(ev.TargetID), logx.Collection(ev.Collection))
	return true
}

// Fail reports an in-flight job's failure. Below MaxRetries the job silently
// re-enters PENDING with exponential backoff (the k-th retry waits
// 2^k * RetryBase); past it the job fails terminally. Returns false if the
// job is not currently processing.
func (q *Queue) Fail(jobID, errMsg string) bool {
	return q.fail(jobID, errMsg, 0, false)
}

// FailWithDelay is Fail with an explicit backoff for this attempt, e.g. an
// upstream Retry-After hint. A non-positive delay falls back to the
// exponential schedule.
func (q *Queue) FailWithDelay(jobID, errMsg string, delay time.Duration) bool {
	return q.fail(jobID, errMsg, delay, false)
}

// FailPermanent fails an in-flight job terminally regardless of remaining
// retry budget. Used for errors marked non-retryable.
func (q *Queue) FailPermanent(jobID, errMsg string) bool {
	return q.fail(jobID, errMsg, 0, true)
}

func (q *Queue) fail(jobID, errMsg string, delayOverride time.Duration, permanent bool) bool {
	now := q.now()

	q.mu.Lock()
	j, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.active, jobID)
	j.ErrorMessage = errMsg

	var (
		terminal bool
		ev       Job
	)
	if !permanent && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		delay := delayOverride
		if delay <= 0 {
			delay = time.Duration(1<<uint(j.RetryCount)) * q.cfg.RetryBase
		}
		t := now.Add(delay)
		j.ScheduledFor = &t
		j.State = StatePending
		j.StartedAt = nil
		q.waiting = append(q.waiting, j)
		q.metrics.Processing--
		q.metrics.Pending++
	} else {
		terminal = true
		j.State = StateFailed
		t := now
		j.CompletedAt = &t
		q.metrics.Processing--
		q.metrics.Failed++
		if j.StartedAt != nil {
			q.metrics.observeDuration(now.Sub(*j.StartedAt))
		}
		q.archiveLocked(j)
		ev = j.clone()
	}
	q.metrics.recomputeRate()
	q.metrics.UpdatedAt = now
	retryCount, maxRetries := j.RetryCount, j.MaxRetries
	docs := q.snapshotDocsLocked(terminal)
	q.mu.Unlock()

	q.persist(docs)
	if terminal {
		q.publish(eventbus.TopicJobFailed, ev)
		q.log.Error("job failed terminally", logx.JobID(jobID), logx.String("error", errMsg))
	} else {
		q.log.Info("job rescheduled after failure",
			logx.JobID(jobID),
			logx.Int("retry", retryCount),
			logx.Int("max_retries", maxRetries),
		)
	}
	return true
}

// Cancel removes a job from the waiting or in-flight set. Terminal jobs can't
// be cancelled. A PROCESSING job is archived immediately; the executor keeps
// running until it observes its context cancellation, and its late
// Complete/Fail call becomes a no-op.
func (q *Queue) Cancel(jobID string) bool {
	now := q.now()

	q.mu.Lock()
	var j *Job
	if a, ok := q.active[jobID]; ok {
		delete(q.active, jobID)
		q.metrics.Processing--
		j = a
	} else {
		for i, w := range q.waiting {
			if w.ID == jobID {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				q.metrics.Pending--
				j = w
				break
			}
		}
	}
	if j == nil {
		q.mu.Unlock()
		return false
	}
	j.State = StateCancelled
	t := now
	j.CompletedAt = &t
	q.metrics.Cancelled++
	q.metrics.UpdatedAt = now
	q.archiveLocked(j)
	docs := q.snapshotDocsLocked(true)
	q.mu.Unlock()

	q.persist(docs)
	q.log.Info("job cancelled", logx.JobID(jobID))
	return true
}

// ExpireStale forces any in-flight job past its timeout to EXPIRED and
// archives it. Returns copies of the expired jobs so callers can do
// follow-up accounting.
func (q *Queue) ExpireStale() []Job {
	now := q.now()

	q.mu.Lock()
	var expired []Job
	for id, j := range q.active {
		if j.StartedAt == nil {
			continue
		}
		timeout := time.Duration(j.TimeoutSeconds) * time.Second
		if timeout <= 0 || now.Sub(*j.StartedAt) <= timeout {
			continue
		}
		delete(q.active, id)
		j.State = StateExpired
		t := now
		j.CompletedAt = &t
		if j.ErrorMessage == "" {
			j.ErrorMessage = fmt.Sprintf("timed out after %ds", j.TimeoutSeconds)
		}
		q.metrics.Processing--
		q.metrics.Expired++
		q.archiveLocked(j)
		expired = append(expired, j.clone())
	}
	if len(expired) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.metrics.recomputeRate()
	q.metrics.UpdatedAt = now
	docs := q.snapshotDocsLocked(true)
	q.mu.Unlock()

	q.persist(docs)
	for _, ev := range expired {
		q.publish(eventbus.TopicJobExpired, ev)
		q.log.Warn("job expired", logx.JobID(ev.ID), logx.Target(ev.TargetID))
	}
	return expired
}

// archiveLocked appends a terminal job to the bounded history ring.
func (q *Queue) archiveLocked(j *Job) {
	q.history = append(q.history, j)
	if len(q.history) > q.cfg.HistorySize {
		q.history = q.history[len(q.history)-q.cfg.HistorySize:]
	}
}

// Status returns a display snapshot. Serialization happens outside the lock.
func (q *Queue) Status() Status {
	q.mu.Lock()
	st := Status{
		Pending:    len(q.waiting),
		Processing: len(q.active),
		Waiting:    make([]Job, 0, len(q.waiting)),
		Active:     make([]Job, 0, len(q.active)),
	}
	for _, j := range q.waiting {
		st.Waiting = append(st.Waiting, j.clone())
	}
	for _, j := range q.active {
		st.Active = append(st.Active, j.clone())
	}
	q.mu.Unlock()

	sortJobs(st.Waiting)
	sortJobs(st.Active)
	return st
}

// Statistics returns a copy of the derived metrics.
func (q *Queue) Statistics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.metrics
	m.ByPriority = make(map[string]int, len(q.metrics.ByPriority))
	for k, v := range q.metrics.ByPriority {
		m.ByPriority[k] = v
	}
	m.ByCollection = make(map[string]int, len(q.metrics.ByCollection))
	for k, v := range q.metrics.ByCollection {
		m.ByCollection[k] = v
	}
	return m
}

// JobDetails finds a job anywhere: waiting, in-flight or history.
func (q *Queue) JobDetails(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.active[jobID]; ok {
		return j.clone(), true
	}
	for _, j := range q.waiting {
		if j.ID == jobID {
			return j.clone(), true
		}
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == jobID {
			return q.history[i].clone(), true
		}
	}
	return Job{}, false
}

// History returns the most recent terminal jobs, newest first.
func (q *Queue) History(limit int) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Job, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, q.history[i].clone())
	}
	return out
}

func (q *Queue) publish(topic string, j Job) {
	if q.cfg.Bus == nil {
		return
	}
	q.cfg.Bus.Publish(eventbus.Event{Type: topic, Data: j})
}
