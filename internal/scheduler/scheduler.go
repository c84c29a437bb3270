// Package scheduler drives automatic update cycles. A polled worker loop
// dispatches queue jobs to the processing pipeline, paced by an idle timer
// that restarts when a job finishes, never when it starts. Manual jobs
// preempt the timer; automatic batches are built from the registry when the
// timer fires.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"curator/internal/eventbus"
	"curator/internal/library"
	"curator/internal/pipeline"
	"curator/internal/quarantine"
	"curator/internal/queue"
	"curator/internal/storage"
	logx "curator/pkg/logx"
)

type Config struct {
	// UpdateInterval is the idle time between automatic cycles, measured
	// from the last job completion (default 30m).
	UpdateInterval time.Duration
	// TickInterval is the poll period of the worker loop (default 1s).
	TickInterval time.Duration
	// SaveInterval is the periodic persistence flush (default 1m);
	// transitions persist immediately regardless.
	SaveInterval time.Duration
	// ExpireSweepInterval is how often stuck in-flight jobs are reaped
	// (default 30s).
	ExpireSweepInterval time.Duration
	// MaxConcurrent bounds simultaneously running jobs (default 1).
	MaxConcurrent int

	Queue      *queue.Queue
	Registry   *library.Registry
	Quarantine *quarantine.Engine
	Executor   pipeline.Executor
	Store      storage.Store
	Bus        eventbus.Bus
	Log        logx.Logger

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time
}

func (c Config) normalized() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 30 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = time.Minute
	}
	if c.ExpireSweepInterval <= 0 {
		c.ExpireSweepInterval = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.Executor == nil {
		c.Executor = pipeline.Nop()
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// StateChange is published on the bus for control transitions.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

type Scheduler struct {
	cfg Config
	log logx.Logger

	mu              sync.Mutex
	state           State
	interval        time.Duration
	lastProcessEnd  *time.Time
	lastAutoRefresh time.Time
	runningJobs     map[string]*queue.Job
	cancels         map[string]context.CancelFunc
	completed       []JobRecord
	failed          []JobRecord
	lastSave        time.Time
	lastSweep       time.Time
}

func New(cfg Config) *Scheduler {
	cfg = cfg.normalized()
	s := &Scheduler{
		cfg:         cfg,
		log:         cfg.Log.With(logx.String("component", "scheduler")),
		state:       StateStopped,
		interval:    cfg.UpdateInterval,
		runningJobs: map[string]*queue.Job{},
		cancels:     map[string]context.CancelFunc{},
	}
	s.restoreState()
	return s
}

func (s *Scheduler) now() time.Time { return s.cfg.Now() }

// Start moves the scheduler to RUNNING. Fails if it is already running or
// mid-job. Starting from PAUSED is allowed and equivalent to Resume.
func (s *Scheduler) Start() bool {
	now := s.now()

	s.mu.Lock()
	if s.state == StateRunning || s.state == StateProcessing {
		s.mu.Unlock()
		s.log.Warn("start ignored, scheduler already running")
		return false
	}
	from := s.state
	s.state = StateRunning
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()

	s.persist(doc)
	s.publishState(from, StateRunning)
	s.log.Info("scheduler started")
	return true
}

// Stop moves the scheduler to STOPPED from any live state. In-flight jobs
// finish; nothing new dispatches.
func (s *Scheduler) Stop() bool {
	now := s.now()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.log.Warn("stop ignored, scheduler already stopped")
		return false
	}
	from := s.state
	s.state = StateStopped
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()

	s.persist(doc)
	s.publishState(from, StateStopped)
	s.log.Info("scheduler stopped")
	return true
}

// Pause suspends dispatching. Only valid from RUNNING; a scheduler mid-job
// must finish that job first.
func (s *Scheduler) Pause() bool {
	now := s.now()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		s.log.Warn("pause ignored", logx.String("state", string(s.state)))
		return false
	}
	s.state = StatePaused
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()

	s.persist(doc)
	s.publishState(StateRunning, StatePaused)
	s.log.Info("scheduler paused")
	return true
}

// Resume returns a PAUSED scheduler to RUNNING.
func (s *Scheduler) Resume() bool {
	now := s.now()

	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		s.log.Warn("resume ignored", logx.String("state", string(s.state)))
		return false
	}
	s.state = StateRunning
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()

	s.persist(doc)
	s.publishState(StatePaused, StateRunning)
	s.log.Info("scheduler resumed")
	return true
}

// AddManualJob enqueues an operator-initiated job. URGENT and HIGH only;
// these preempt the idle timer on the next tick.
func (s *Scheduler) AddManualJob(targetID, collection string, prio queue.Priority, meta map[string]string) (string, error) {
	return s.cfg.Queue.EnqueueManual(targetID, collection, prio, meta)
}

// AddAutoJob enqueues a NORMAL-priority job, optionally gated to the future.
func (s *Scheduler) AddAutoJob(targetID, collection string, notBefore *time.Time, meta map[string]string) string {
	return s.cfg.Queue.EnqueueAuto(targetID, collection, notBefore, meta)
}

// CancelJob cancels a job wherever it is. For a running job the execution
// context is cancelled too; the executor unwinds cooperatively.
func (s *Scheduler) CancelJob(jobID string) bool {
	ok := s.cfg.Queue.Cancel(jobID)
	if !ok {
		return false
	}
	s.mu.Lock()
	cancel := s.cancels[jobID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// ResetTimer clears the idle countdown so the next tick is eligible for
// automatic work.
func (s *Scheduler) ResetTimer() {
	now := s.now()

	s.mu.Lock()
	s.lastProcessEnd = nil
	s.lastAutoRefresh = time.Time{}
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()

	s.persist(doc)
	s.log.Info("idle timer reset")
}

// SetInterval changes the idle interval live. Rejects non-positive values;
// an unchanged value is a no-op.
func (s *Scheduler) SetInterval(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	now := s.now()

	s.mu.Lock()
	if d == s.interval {
		s.mu.Unlock()
		return true
	}
	s.interval = d
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()

	s.persist(doc)
	s.log.Info("update interval changed", logx.Duration("interval", d))
	return true
}

// SetIntervalMinutes is the operator-facing form of SetInterval.
// Rejects values < 1.
func (s *Scheduler) SetIntervalMinutes(minutes int) bool {
	if minutes < 1 {
		return false
	}
	return s.SetInterval(time.Duration(minutes) * time.Minute)
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the dashboard view.
func (s *Scheduler) Snapshot() Snapshot {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:          s.state,
		TimerRemaining: int64(s.timerRemainingLocked(now) / time.Second),
		CurrentJob:     s.pickCurrentLocked(),
		Running:        len(s.runningJobs),
		Completed:      len(s.completed),
		Failed:         len(s.failed),
		IntervalSec:    int64(s.interval / time.Second),
	}
	if s.lastProcessEnd != nil {
		t := *s.lastProcessEnd
		snap.LastProcessEnd = &t
		next := t.Add(s.interval)
		snap.NextExecution = &next
	}
	snap.RecentComplete = tailRecords(s.completed, 5)
	snap.RecentFailed = tailRecords(s.failed, 5)
	return snap
}

func tailRecords(rs []JobRecord, n int) []JobRecord {
	if len(rs) > n {
		rs = rs[len(rs)-n:]
	}
	out := make([]JobRecord, len(rs))
	copy(out, rs)
	return out
}

// timerRemainingLocked is the countdown until automatic work is eligible.
func (s *Scheduler) timerRemainingLocked(now time.Time) time.Duration {
	if s.lastProcessEnd == nil {
		return 0
	}
	rem := s.interval - now.Sub(*s.lastProcessEnd)
	if rem < 0 {
		return 0
	}
	return rem
}

// timerExpiredLocked reports automatic eligibility. An unset lastProcessEnd
// means the first cycle runs immediately.
func (s *Scheduler) timerExpiredLocked(now time.Time) bool {
	if s.lastProcessEnd == nil {
		return true
	}
	return now.Sub(*s.lastProcessEnd) >= s.interval
}

// pickCurrentLocked returns the earliest-started running job.
func (s *Scheduler) pickCurrentLocked() *queue.Job {
	var cur *queue.Job
	for _, j := range s.runningJobs {
		if cur == nil || (j.StartedAt != nil && cur.StartedAt != nil && j.StartedAt.Before(*cur.StartedAt)) {
			cur = j
		}
	}
	if cur == nil {
		return nil
	}
	cp := *cur
	return &cp
}

func (s *Scheduler) snapshotDocLocked(now time.Time) *stateDoc {
	if s.cfg.Store == nil {
		return nil
	}
	doc := &stateDoc{
		State:          s.state,
		TimerRemaining: int64(s.timerRemainingLocked(now) / time.Second),
		CurrentJob:     s.pickCurrentLocked(),
		CompletedJobs:  tailRecords(s.completed, keepRecords),
		FailedJobs:     tailRecords(s.failed, keepRecords),
		Config: configDoc{
			UpdateIntervalSeconds: int64(s.interval / time.Second),
			TickIntervalSeconds:   int64(s.cfg.TickInterval / time.Second),
			SaveIntervalSeconds:   int64(s.cfg.SaveInterval / time.Second),
			ExpireSweepSeconds:    int64(s.cfg.ExpireSweepInterval / time.Second),
			MaxConcurrent:         s.cfg.MaxConcurrent,
		},
	}
	if s.lastProcessEnd != nil {
		t := *s.lastProcessEnd
		doc.LastProcessEnd = &t
	}
	return doc
}

// persist writes the state document. nil doc means persistence is disabled
// or nothing to flush.
func (s *Scheduler) persist(doc *stateDoc) {
	if doc == nil || s.cfg.Store == nil {
		return
	}
	b, err := json.Marshal(doc)
	if err != nil {
		s.log.Warn("encode scheduler state failed", logx.Err(err))
		return
	}
	if err := s.cfg.Store.PutDoc(storage.DocSchedulerState, b); err != nil {
		s.log.Warn("persist scheduler state failed", logx.Err(err))
	}
}

// restoreState reloads the countdown anchor and trailing lists. The
// scheduler always restarts STOPPED; an operator or the app config decides
// whether it runs.
func (s *Scheduler) restoreState() {
	if s.cfg.Store == nil {
		return
	}
	b, ok, err := s.cfg.Store.GetDoc(storage.DocSchedulerState)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("load scheduler state failed", logx.Err(err))
		}
		return
	}
	var doc stateDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		s.log.Warn("decode scheduler state failed", logx.Err(err))
		return
	}
	s.lastProcessEnd = doc.LastProcessEnd
	s.completed = tailRecords(doc.CompletedJobs, keepRecords)
	s.failed = tailRecords(doc.FailedJobs, keepRecords)
	s.log.Info("scheduler state restored",
		logx.Int("completed", len(s.completed)),
		logx.Int("failed", len(s.failed)),
	)
}

func (s *Scheduler) publishState(from, to State) {
	if s.cfg.Bus == nil || from == to {
		return
	}
	s.cfg.Bus.Publish(eventbus.Event{
		Type: eventbus.TopicSchedulerState,
		Data: StateChange{From: from, To: to},
	})
}
