package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"curator/internal/pipeline"
	"curator/internal/queue"
	logx "curator/pkg/logx"
)

// Run is the worker loop. It polls every TickInterval and returns when ctx
// is cancelled. Jobs in flight at cancellation are left PROCESSING in the
// persisted queue state; the crash-recovery path requeues them on restart.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler loop running",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("interval", s.interval),
	)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			s.log.Info("scheduler loop exiting")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs one iteration of the worker loop synchronously. Exposed for
// callers that drive the scheduler without Run.
func (s *Scheduler) Tick(ctx context.Context) { s.tick(ctx) }

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	if s.state == StateStopped || s.state == StatePaused {
		doc := s.maybeSnapshotLocked(now)
		s.mu.Unlock()
		s.persist(doc)
		return
	}
	needSweep := now.Sub(s.lastSweep) >= s.cfg.ExpireSweepInterval
	if needSweep {
		s.lastSweep = now
	}
	needRefresh := s.timerExpiredLocked(now) &&
		(s.lastAutoRefresh.IsZero() || now.Sub(s.lastAutoRefresh) >= s.interval)
	if needRefresh {
		s.lastAutoRefresh = now
	}
	slots := s.cfg.MaxConcurrent - len(s.runningJobs)
	s.mu.Unlock()

	if needSweep {
		s.sweepExpired()
	}
	if needRefresh {
		s.refreshAutoQueue()
	}
	for i := 0; i < slots; i++ {
		if !s.shouldProcess() {
			break
		}
		j := s.cfg.Queue.DequeueNext()
		if j == nil {
			break
		}
		s.dispatch(ctx, j)
	}

	s.mu.Lock()
	doc := s.maybeSnapshotLocked(now)
	s.mu.Unlock()
	s.persist(doc)
}

// maybeSnapshotLocked returns a state doc when the periodic flush is due.
func (s *Scheduler) maybeSnapshotLocked(now time.Time) *stateDoc {
	if now.Sub(s.lastSave) < s.cfg.SaveInterval {
		return nil
	}
	s.lastSave = now
	return s.snapshotDocLocked(now)
}

// flush persists unconditionally. Called on loop exit.
func (s *Scheduler) flush() {
	now := s.now()
	s.mu.Lock()
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()
	s.persist(doc)
}

// shouldProcess decides whether the next waiting job may dispatch now.
// Manual priorities always may; NORMAL waits for the idle timer.
func (s *Scheduler) shouldProcess() bool {
	prio, ok := s.cfg.Queue.NextWaitingPriority()
	if !ok {
		return false
	}
	if prio <= queue.PriorityHigh {
		return true
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timerExpiredLocked(now)
}

// sweepExpired reaps jobs stuck past their timeout. Expiry is terminal, so
// it counts against the item and restarts the idle timer like any finish.
func (s *Scheduler) sweepExpired() {
	expired := s.cfg.Queue.ExpireStale()
	if len(expired) == 0 {
		return
	}
	for _, j := range expired {
		if _, err := s.cfg.Registry.IncrementErrorCount(j.Collection, j.TargetID); err != nil {
			s.log.Debug("error count update skipped", logx.JobID(j.ID), logx.Err(err))
		}
		s.recordFinish(j, recordOutcome{errMsg: j.ErrorMessage})
	}
	if s.cfg.Quarantine != nil {
		s.cfg.Quarantine.CheckAndQuarantine()
	}
}

// refreshAutoQueue builds the automatic batch: quarantine sweep first, then
// one NORMAL job per eligible item. Items with a job already waiting or
// running are skipped so a slow pipeline cannot pile up duplicates.
func (s *Scheduler) refreshAutoQueue() {
	if s.cfg.Registry == nil {
		return
	}
	if s.cfg.Quarantine != nil {
		s.cfg.Quarantine.CheckAndQuarantine()
	}

	outstanding := map[string]bool{}
	st := s.cfg.Queue.Status()
	for _, j := range st.Waiting {
		outstanding[j.Collection+"/"+j.TargetID] = true
	}
	for _, j := range st.Active {
		outstanding[j.Collection+"/"+j.TargetID] = true
	}

	queued := 0
	checked := map[string]bool{}
	for _, ref := range s.cfg.Registry.ListEligibleForAutoUpdate() {
		checked[ref.Collection] = true
		if outstanding[ref.Collection+"/"+ref.Item.ID] {
			continue
		}
		s.cfg.Queue.EnqueueAuto(ref.Item.ID, ref.Collection, nil, map[string]string{
			"title": ref.Item.Title,
		})
		queued++
	}
	for name := range checked {
		if err := s.cfg.Registry.MarkCollectionChecked(name); err != nil {
			s.log.Debug("mark checked failed", logx.Collection(name), logx.Err(err))
		}
	}
	if queued > 0 {
		s.log.Info("automatic batch queued", logx.Int("jobs", queued))
	}
}

func (s *Scheduler) dispatch(ctx context.Context, j *queue.Job) {
	now := s.now()
	timeout := time.Duration(j.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)

	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateProcessing
	}
	s.runningJobs[j.ID] = j
	s.cancels[j.ID] = cancel
	doc := s.snapshotDocLocked(now)
	s.lastSave = now
	s.mu.Unlock()

	s.persist(doc)
	s.log.Info("job dispatched",
		logx.JobID(j.ID),
		logx.Target(j.TargetID),
		logx.Collection(j.Collection),
		logx.Int("priority", int(j.Priority)),
	)
	go s.runJob(ctx, jctx, j)
}

type recordOutcome struct {
	newItems int
	detail   string
	errMsg   string
}

func (s *Scheduler) runJob(parent, jctx context.Context, j *queue.Job) {
	var (
		res     pipeline.Result
		execErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("executor panic: %v", r)
			}
		}()
		res, execErr = s.cfg.Executor.Execute(jctx, *j)
	}()

	if execErr != nil && parent.Err() != nil {
		// Shutdown, not a job failure. Leave the job PROCESSING so restart
		// recovery requeues it without burning a retry.
		s.detach(j.ID, false)
		s.log.Info("job interrupted by shutdown", logx.JobID(j.ID))
		return
	}

	if execErr == nil {
		meta := map[string]string{"new_items": strconv.Itoa(res.NewItems)}
		if res.Detail != "" {
			meta["result_detail"] = res.Detail
		}
		if s.cfg.Queue.Complete(j.ID, meta) {
			if err := s.cfg.Registry.ResetErrorCount(j.Collection, j.TargetID); err != nil {
				s.log.Debug("error count reset skipped", logx.JobID(j.ID), logx.Err(err))
			}
			s.recordFinish(*j, recordOutcome{newItems: res.NewItems, detail: res.Detail})
			s.log.Info("job completed", logx.JobID(j.ID), logx.Int("new_items", res.NewItems))
		}
		s.detach(j.ID, true)
		return
	}

	s.reportFailure(j, execErr)
	s.detach(j.ID, true)
}

// reportFailure maps an executor error onto the queue's retry machinery and
// does terminal accounting when no retry remains.
func (s *Scheduler) reportFailure(j *queue.Job, execErr error) {
	msg := execErr.Error()
	var reported bool
	switch {
	case pipeline.IsNoRetry(execErr):
		reported = s.cfg.Queue.FailPermanent(j.ID, msg)
	default:
		if hint, ok := pipeline.RetryHint(execErr); ok {
			reported = s.cfg.Queue.FailWithDelay(j.ID, msg, hint)
		} else {
			reported = s.cfg.Queue.Fail(j.ID, msg)
		}
	}
	if !reported {
		// Cancelled or expired under us; whoever did that owns the books.
		s.log.Debug("failure report dropped", logx.JobID(j.ID))
		return
	}

	after, ok := s.cfg.Queue.JobDetails(j.ID)
	if ok && after.State == queue.StateFailed {
		if _, err := s.cfg.Registry.IncrementErrorCount(j.Collection, j.TargetID); err != nil {
			s.log.Debug("error count update skipped", logx.JobID(j.ID), logx.Err(err))
		}
		s.recordFinish(*j, recordOutcome{errMsg: msg})
		if s.cfg.Quarantine != nil {
			s.cfg.Quarantine.CheckAndQuarantine()
		}
		s.log.Warn("job failed", logx.JobID(j.ID), logx.String("error", msg))
		return
	}
	s.log.Info("job requeued for retry",
		logx.JobID(j.ID),
		logx.Int("retry", after.RetryCount),
		logx.String("error", msg),
	)
}

// recordFinish restarts the idle timer and appends to the trailing history.
// Every finished job restarts the timer, manual or automatic; a retry that
// goes back to waiting does not reach here.
func (s *Scheduler) recordFinish(j queue.Job, out recordOutcome) {
	now := s.now()
	rec := JobRecord{
		ID:         j.ID,
		TargetID:   j.TargetID,
		Collection: j.Collection,
		FinishedAt: now,
		NewItems:   out.newItems,
		Detail:     out.detail,
		Error:      out.errMsg,
	}
	if j.StartedAt != nil {
		rec.DurationMS = now.Sub(*j.StartedAt).Milliseconds()
	}

	s.mu.Lock()
	t := now
	s.lastProcessEnd = &t
	if out.errMsg == "" {
		s.completed = append(s.completed, rec)
		if len(s.completed) > keepRecords {
			s.completed = s.completed[len(s.completed)-keepRecords:]
		}
	} else {
		s.failed = append(s.failed, rec)
		if len(s.failed) > keepRecords {
			s.failed = s.failed[len(s.failed)-keepRecords:]
		}
	}
	s.mu.Unlock()
}

// detach removes a job from the running set and settles the state machine.
func (s *Scheduler) detach(jobID string, persistNow bool) {
	now := s.now()

	s.mu.Lock()
	if cancel := s.cancels[jobID]; cancel != nil {
		cancel()
		delete(s.cancels, jobID)
	}
	delete(s.runningJobs, jobID)
	if len(s.runningJobs) == 0 && s.state == StateProcessing {
		s.state = StateRunning
	}
	var doc *stateDoc
	if persistNow {
		doc = s.snapshotDocLocked(now)
		s.lastSave = now
	}
	s.mu.Unlock()

	s.persist(doc)
}
