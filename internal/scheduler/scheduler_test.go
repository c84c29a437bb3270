package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"curator/internal/library"
	"curator/internal/pipeline"
	"curator/internal/quarantine"
	"curator/internal/queue"
	"curator/internal/storage"
	logx "curator/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	sched    *Scheduler
	queue    *queue.Queue
	registry *library.Registry
	engine   *quarantine.Engine
	clock    *fakeClock
}

// newFixture wires a scheduler over in-memory components. cfg.Executor and
// interval knobs come from the caller; everything shares one fake clock.
func newFixture(t *testing.T, cfg Config, store storage.Store) *fixture {
	t.Helper()
	clk := newFakeClock()

	reg := library.New(library.Config{Store: store, Now: clk.Now})
	q := queue.New(queue.Config{Store: store, Now: clk.Now})
	eng := quarantine.New(quarantine.Config{Registry: reg, Store: store, Now: clk.Now})

	cfg.Queue = q
	cfg.Registry = reg
	cfg.Quarantine = eng
	cfg.Store = store
	cfg.Now = clk.Now
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = 10 * time.Minute
	}

	return &fixture{
		sched:    New(cfg),
		queue:    q,
		registry: reg,
		engine:   eng,
		clock:    clk,
	}
}

func (f *fixture) seedItem(t *testing.T, collection, title string) library.WorkItem {
	t.Helper()
	if err := f.registry.UpsertCollection(library.Collection{Name: collection, Active: true}); err != nil {
		t.Fatalf("upsert collection: %v", err)
	}
	it, err := f.registry.UpsertItem(collection, library.WorkItem{Title: title})
	if err != nil {
		t.Fatalf("upsert item: %v", err)
	}
	return it
}

// waitIdle blocks until no job goroutine is in flight.
func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.sched.Snapshot().Running == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("jobs still running after 2s")
}

func okExecutor() pipeline.Executor {
	return pipeline.Func(func(ctx context.Context, j queue.Job) (pipeline.Result, error) {
		return pipeline.Result{NewItems: 1, Detail: "updated"}, nil
	})
}

// gate blocks executions until the test releases them one at a time.
type gate struct {
	entered chan queue.Job
	release chan error
}

func newGate() *gate {
	return &gate{entered: make(chan queue.Job, 8), release: make(chan error, 8)}
}

func (g *gate) executor() pipeline.Executor {
	return pipeline.Func(func(ctx context.Context, j queue.Job) (pipeline.Result, error) {
		g.entered <- j
		select {
		case err := <-g.release:
			if err != nil {
				return pipeline.Result{}, err
			}
			return pipeline.Result{NewItems: 1}, nil
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		}
	})
}

func (g *gate) awaitEntered(t *testing.T) queue.Job {
	t.Helper()
	select {
	case j := <-g.entered:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job reached the executor")
		return queue.Job{}
	}
}

func TestControlTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor()}, nil)
	s := f.sched

	if s.State() != StateStopped {
		t.Fatalf("initial state = %s, want STOPPED", s.State())
	}
	if s.Stop() {
		t.Fatal("Stop from STOPPED should fail")
	}
	if s.Pause() {
		t.Fatal("Pause from STOPPED should fail")
	}
	if s.Resume() {
		t.Fatal("Resume from STOPPED should fail")
	}
	if !s.Start() {
		t.Fatal("Start from STOPPED should succeed")
	}
	if s.Start() {
		t.Fatal("Start from RUNNING should fail")
	}
	if !s.Pause() {
		t.Fatal("Pause from RUNNING should succeed")
	}
	if s.Pause() {
		t.Fatal("Pause from PAUSED should fail")
	}
	// Start doubles as resume from PAUSED.
	if !s.Start() {
		t.Fatal("Start from PAUSED should succeed")
	}
	if s.Resume() {
		t.Fatal("Resume from RUNNING should fail")
	}
	if !s.Pause() || !s.Resume() {
		t.Fatal("Pause then Resume should succeed")
	}
	if !s.Stop() {
		t.Fatal("Stop from RUNNING should succeed")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", s.State())
	}
}

func TestPauseRejectedMidJob(t *testing.T) {
	t.Parallel()
	g := newGate()
	f := newFixture(t, Config{Executor: g.executor()}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	if _, err := f.sched.AddManualJob("w1", "alpha", queue.PriorityUrgent, nil); err != nil {
		t.Fatalf("add manual: %v", err)
	}
	f.sched.Tick(ctx)
	g.awaitEntered(t)

	if f.sched.State() != StateProcessing {
		t.Fatalf("state = %s, want PROCESSING", f.sched.State())
	}
	if f.sched.Pause() {
		t.Fatal("Pause mid-job should fail")
	}

	g.release <- nil
	f.waitIdle(t)
	if f.sched.State() != StateRunning {
		t.Fatalf("state after job = %s, want RUNNING", f.sched.State())
	}
	if !f.sched.Pause() {
		t.Fatal("Pause after job should succeed")
	}
}

func TestStoppedSchedulerDispatchesNothing(t *testing.T) {
	t.Parallel()
	g := newGate()
	f := newFixture(t, Config{Executor: g.executor()}, nil)
	ctx := context.Background()

	if _, err := f.sched.AddManualJob("w1", "alpha", queue.PriorityUrgent, nil); err != nil {
		t.Fatalf("add manual: %v", err)
	}
	f.sched.Tick(ctx)

	st := f.queue.Status()
	if st.Processing != 0 || st.Pending != 1 {
		t.Fatalf("stopped scheduler touched the queue: %+v", st)
	}
}

func TestFirstCycleRunsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor()}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)

	snap := f.sched.Snapshot()
	if snap.Completed != 1 {
		t.Fatalf("completed = %d, want 1", snap.Completed)
	}
	if snap.LastProcessEnd == nil || !snap.LastProcessEnd.Equal(f.clock.Now()) {
		t.Fatalf("lastProcessEnd = %v, want %v", snap.LastProcessEnd, f.clock.Now())
	}
}

func TestTimerGatesAutomaticWork(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor(), UpdateInterval: 10 * time.Minute}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()

	// First cycle runs with no countdown and restarts the timer on finish.
	f.sched.Tick(ctx)
	f.waitIdle(t)
	end1 := f.sched.Snapshot().LastProcessEnd
	if end1 == nil {
		t.Fatal("first cycle did not record a finish")
	}

	// A directly queued NORMAL job must wait out the full interval.
	f.sched.AddAutoJob("w2", "alpha", nil, nil)
	for _, step := range []time.Duration{time.Minute, 8 * time.Minute} {
		f.clock.Advance(step)
		f.sched.Tick(ctx)
		f.waitIdle(t)
		if got := f.sched.Snapshot().Completed; got != 1 {
			t.Fatalf("auto job ran %v before the interval elapsed", f.clock.Now().Sub(*end1))
		}
	}

	f.clock.Advance(time.Minute) // 10m since end1
	f.sched.Tick(ctx)
	f.waitIdle(t)
	if got := f.sched.Snapshot().Completed; got != 2 {
		t.Fatalf("completed = %d after interval elapsed, want 2", got)
	}
}

func TestManualJobPreemptsTimer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor(), UpdateInterval: 10 * time.Minute}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t) // timer now armed for 10m

	f.clock.Advance(time.Minute)
	if _, err := f.sched.AddManualJob("w9", "alpha", queue.PriorityUrgent, nil); err != nil {
		t.Fatalf("add manual: %v", err)
	}
	f.sched.Tick(ctx)
	f.waitIdle(t)

	snap := f.sched.Snapshot()
	if snap.Completed != 2 {
		t.Fatalf("manual job did not preempt the timer, completed = %d", snap.Completed)
	}
	// The manual finish rearmed the countdown from its own completion.
	if !snap.LastProcessEnd.Equal(f.clock.Now()) {
		t.Fatalf("lastProcessEnd = %v, want %v", snap.LastProcessEnd, f.clock.Now())
	}
	if snap.TimerRemaining != int64((10 * time.Minute).Seconds()) {
		t.Fatalf("timer remaining = %ds, want full interval", snap.TimerRemaining)
	}
}

func TestTimerRestartsOnFinishNotStart(t *testing.T) {
	t.Parallel()
	g := newGate()
	f := newFixture(t, Config{Executor: g.executor(), UpdateInterval: 10 * time.Minute}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	started := f.clock.Now()
	g.awaitEntered(t)

	// The job takes 3 minutes of wall time.
	f.clock.Advance(3 * time.Minute)
	g.release <- nil
	f.waitIdle(t)

	snap := f.sched.Snapshot()
	if snap.LastProcessEnd.Equal(started) {
		t.Fatal("countdown anchored to job start, want finish")
	}
	if want := started.Add(3 * time.Minute); !snap.LastProcessEnd.Equal(want) {
		t.Fatalf("lastProcessEnd = %v, want %v", snap.LastProcessEnd, want)
	}
	if want := started.Add(13 * time.Minute); !snap.NextExecution.Equal(want) {
		t.Fatalf("nextExecution = %v, want %v", snap.NextExecution, want)
	}
}

func TestRetryableFailureDoesNotAdvanceClock(t *testing.T) {
	t.Parallel()
	boom := errors.New("upstream unreachable")
	f := newFixture(t, Config{
		Executor: pipeline.Func(func(ctx context.Context, j queue.Job) (pipeline.Result, error) {
			return pipeline.Result{}, boom
		}),
	}, nil)
	ctx := context.Background()

	it := f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)

	snap := f.sched.Snapshot()
	if snap.Failed != 0 || snap.LastProcessEnd != nil {
		t.Fatalf("retryable failure treated as terminal: %+v", snap)
	}
	got, ok := f.registry.Item("alpha", it.ID)
	if !ok {
		t.Fatal("item missing from registry")
	}
	if got.ConsecutiveErrors != 0 {
		t.Fatalf("consecutive errors = %d after retryable failure, want 0", got.ConsecutiveErrors)
	}

	// The job went back to waiting with a backoff gate.
	st := f.queue.Status()
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1 requeued job", st.Pending)
	}
	if st.Waiting[0].RetryCount != 1 || st.Waiting[0].ScheduledFor == nil {
		t.Fatalf("requeued job = %+v", st.Waiting[0])
	}
}

func TestTerminalFailureAccounting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{
		Executor: pipeline.Func(func(ctx context.Context, j queue.Job) (pipeline.Result, error) {
			return pipeline.Result{}, pipeline.NoRetry(errors.New("target gone"))
		}),
	}, nil)
	ctx := context.Background()

	it := f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)

	snap := f.sched.Snapshot()
	if snap.Failed != 1 || snap.Completed != 0 {
		t.Fatalf("failed = %d completed = %d, want 1/0", snap.Failed, snap.Completed)
	}
	if snap.LastProcessEnd == nil {
		t.Fatal("terminal failure must restart the idle timer")
	}
	if rec := snap.RecentFailed[0]; !strings.Contains(rec.Error, "target gone") {
		t.Fatalf("failure record = %+v", rec)
	}
	got, ok := f.registry.Item("alpha", it.ID)
	if !ok {
		t.Fatal("item missing from registry")
	}
	if got.ConsecutiveErrors != 1 {
		t.Fatalf("consecutive errors = %d, want 1", got.ConsecutiveErrors)
	}
}

func TestRetryHintSchedulesDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{
		Executor: pipeline.Func(func(ctx context.Context, j queue.Job) (pipeline.Result, error) {
			return pipeline.Result{}, pipeline.RetryAfter(errors.New("rate limited"), 45*time.Second)
		}),
	}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)

	st := f.queue.Status()
	if len(st.Waiting) != 1 {
		t.Fatalf("waiting = %d, want 1", len(st.Waiting))
	}
	want := f.clock.Now().Add(45 * time.Second)
	if got := st.Waiting[0].ScheduledFor; got == nil || !got.Equal(want) {
		t.Fatalf("scheduledFor = %v, want %v", got, want)
	}
}

func TestSuccessResetsErrorCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor()}, nil)
	ctx := context.Background()

	it := f.seedItem(t, "alpha", "one")
	for i := 0; i < 3; i++ {
		if _, err := f.registry.IncrementErrorCount("alpha", it.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)

	got, ok := f.registry.Item("alpha", it.ID)
	if !ok {
		t.Fatal("item missing from registry")
	}
	if got.ConsecutiveErrors != 0 {
		t.Fatalf("consecutive errors = %d after success, want 0", got.ConsecutiveErrors)
	}
	if got.LastActivityAt == nil {
		t.Fatal("success should stamp last activity")
	}
}

func TestAutoBatchSkipsOutstandingJobs(t *testing.T) {
	t.Parallel()
	g := newGate()
	f := newFixture(t, Config{Executor: g.executor()}, nil)
	ctx := context.Background()

	x := f.seedItem(t, "alpha", "x")
	f.seedItem(t, "alpha", "y")
	f.seedItem(t, "alpha", "z")
	f.sched.AddAutoJob(x.ID, "alpha", nil, nil)

	f.sched.Start()
	f.sched.Tick(ctx)
	g.awaitEntered(t)

	// Three distinct items, three jobs total: the pre-queued one was not
	// duplicated by the batch.
	stats := f.queue.Statistics()
	if stats.TotalJobs != 3 {
		t.Fatalf("total jobs = %d, want 3", stats.TotalJobs)
	}
	st := f.queue.Status()
	if st.Processing != 1 || st.Pending != 2 {
		t.Fatalf("processing/pending = %d/%d, want 1/2", st.Processing, st.Pending)
	}

	cols := f.registry.Collections()
	if cols[0].LastCheckedAt == nil {
		t.Fatal("batch did not mark the collection checked")
	}

	g.release <- nil
	f.waitIdle(t)
}

func TestBatchSkipsQuarantinedItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor()}, nil)
	ctx := context.Background()

	sick := f.seedItem(t, "alpha", "sick")
	f.seedItem(t, "alpha", "healthy")
	for i := 0; i < 10; i++ {
		if _, err := f.registry.IncrementErrorCount("alpha", sick.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)

	// The sweep ran before the batch, so the sick item never got a job.
	if !f.engine.IsQuarantined("alpha", sick.ID) {
		t.Fatal("item not quarantined by pre-batch sweep")
	}
	if stats := f.queue.Statistics(); stats.TotalJobs != 1 {
		t.Fatalf("total jobs = %d, want 1 (healthy only)", stats.TotalJobs)
	}
}

func TestExpireSweepIsTerminal(t *testing.T) {
	t.Parallel()
	g := newGate()
	f := newFixture(t, Config{Executor: g.executor()}, nil)
	ctx := context.Background()

	it := f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	j := g.awaitEntered(t)

	// Job hangs past its timeout; the next sweep reaps it.
	f.clock.Advance(6 * time.Minute)
	f.sched.Tick(ctx)

	details, ok := f.queue.JobDetails(j.ID)
	if !ok || details.State != queue.StateExpired {
		t.Fatalf("job state = %v, want EXPIRED", details.State)
	}
	snap := f.sched.Snapshot()
	if snap.Failed != 1 {
		t.Fatalf("failed records = %d, want 1", snap.Failed)
	}
	if snap.LastProcessEnd == nil {
		t.Fatal("expiry must restart the idle timer")
	}
	got, ok := f.registry.Item("alpha", it.ID)
	if !ok {
		t.Fatal("item missing from registry")
	}
	if got.ConsecutiveErrors != 1 {
		t.Fatalf("consecutive errors = %d, want 1", got.ConsecutiveErrors)
	}

	// The stuck executor finally returns; its late report must not double
	// count anything.
	g.release <- nil
	f.waitIdle(t)
	if again := f.sched.Snapshot(); again.Failed != 1 || again.Completed != 0 {
		t.Fatalf("late return double-counted: %+v", again)
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()
	g := newGate()
	f := newFixture(t, Config{Executor: g.executor()}, nil)
	ctx := context.Background()

	it := f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	j := g.awaitEntered(t)

	if !f.sched.CancelJob(j.ID) {
		t.Fatal("cancel of running job failed")
	}
	f.waitIdle(t)

	details, ok := f.queue.JobDetails(j.ID)
	if !ok || details.State != queue.StateCancelled {
		t.Fatalf("job state = %v, want CANCELLED", details.State)
	}
	snap := f.sched.Snapshot()
	if snap.Failed != 0 || snap.Completed != 0 {
		t.Fatalf("cancel leaked into records: %+v", snap)
	}
	got, ok := f.registry.Item("alpha", it.ID)
	if !ok {
		t.Fatal("item missing from registry")
	}
	if got.ConsecutiveErrors != 0 {
		t.Fatalf("cancel counted as error: %d", got.ConsecutiveErrors)
	}
}

func TestResetTimerForcesEligibility(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor(), UpdateInterval: 10 * time.Minute}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)

	f.sched.AddAutoJob("w2", "alpha", nil, nil)
	f.clock.Advance(time.Minute)
	f.sched.Tick(ctx)
	f.waitIdle(t)
	if got := f.sched.Snapshot().Completed; got != 1 {
		t.Fatalf("job ran before reset, completed = %d", got)
	}

	f.sched.ResetTimer()
	if rem := f.sched.Snapshot().TimerRemaining; rem != 0 {
		t.Fatalf("timer remaining = %d after reset, want 0", rem)
	}
	f.sched.Tick(ctx)
	f.waitIdle(t)
	if got := f.sched.Snapshot().Completed; got != 2 {
		t.Fatalf("completed = %d after reset, want 2", got)
	}
}

func TestSetIntervalMinutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Executor: okExecutor(), UpdateInterval: 30 * time.Minute}, nil)
	ctx := context.Background()

	if f.sched.SetIntervalMinutes(0) {
		t.Fatal("interval 0 should be rejected")
	}
	if !f.sched.SetIntervalMinutes(2) {
		t.Fatal("interval 2 should be accepted")
	}

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)
	if rem := f.sched.Snapshot().TimerRemaining; rem != 120 {
		t.Fatalf("timer remaining = %ds, want 120", rem)
	}

	f.sched.AddAutoJob("w2", "alpha", nil, nil)
	f.clock.Advance(2 * time.Minute)
	f.sched.Tick(ctx)
	f.waitIdle(t)
	if got := f.sched.Snapshot().Completed; got != 2 {
		t.Fatalf("completed = %d with shortened interval, want 2", got)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := newFixture(t, Config{Executor: okExecutor(), UpdateInterval: 10 * time.Minute}, st)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)
	end := f.sched.Snapshot().LastProcessEnd
	f.sched.Stop()

	// A fresh scheduler over the same store: STOPPED regardless of the
	// state it went down in, countdown anchor and history intact.
	s2 := New(Config{
		UpdateInterval: 10 * time.Minute,
		Queue:          f.queue,
		Registry:       f.registry,
		Quarantine:     f.engine,
		Executor:       okExecutor(),
		Store:          st,
		Now:            f.clock.Now,
	})
	if s2.State() != StateStopped {
		t.Fatalf("restored state = %s, want STOPPED", s2.State())
	}
	snap := s2.Snapshot()
	if snap.Completed != 1 {
		t.Fatalf("restored completed = %d, want 1", snap.Completed)
	}
	if snap.LastProcessEnd == nil || !snap.LastProcessEnd.Equal(*end) {
		t.Fatalf("restored lastProcessEnd = %v, want %v", snap.LastProcessEnd, end)
	}

	// The restored countdown still gates automatic work.
	s2.AddAutoJob("w2", "alpha", nil, nil)
	s2.Start()
	f.clock.Advance(time.Minute)
	s2.Tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := s2.Snapshot().Completed; got != 1 {
		t.Fatalf("restored scheduler ignored the countdown, completed = %d", got)
	}
}

func TestShutdownLeavesJobForRecovery(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	g := newGate()
	f := newFixture(t, Config{Executor: g.executor()}, st)
	runCtx, cancel := context.WithCancel(context.Background())

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(runCtx)
	j := g.awaitEntered(t)

	// Shutdown mid-job. The executor unwinds via ctx, and the job is not
	// failed; the persisted queue still shows it in flight.
	cancel()
	f.waitIdle(t)

	details, ok := f.queue.JobDetails(j.ID)
	if !ok || details.State != queue.StateProcessing {
		t.Fatalf("job state = %v, want PROCESSING left for recovery", details.State)
	}
	if details.RetryCount != 0 {
		t.Fatalf("shutdown burned a retry: %d", details.RetryCount)
	}

	// Restart: recovery demotes the job and it runs to completion.
	q2 := queue.New(queue.Config{Store: st, Now: f.clock.Now})
	recovered, ok := q2.JobDetails(j.ID)
	if !ok || recovered.State != queue.StatePending {
		t.Fatalf("recovered job state = %v, want PENDING", recovered.State)
	}
}

func TestSnapshotShowsCurrentJob(t *testing.T) {
	t.Parallel()
	g := newGate()
	f := newFixture(t, Config{Executor: g.executor()}, nil)
	ctx := context.Background()

	f.seedItem(t, "alpha", "one")
	f.sched.Start()
	f.sched.Tick(ctx)
	j := g.awaitEntered(t)

	snap := f.sched.Snapshot()
	if snap.CurrentJob == nil || snap.CurrentJob.ID != j.ID {
		t.Fatalf("current job = %+v, want %s", snap.CurrentJob, j.ID)
	}
	if snap.State != StateProcessing || snap.Running != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	g.release <- nil
	f.waitIdle(t)
	if snap := f.sched.Snapshot(); snap.CurrentJob != nil {
		t.Fatalf("current job lingered: %+v", snap.CurrentJob)
	}
}

// TestMixedWorkloadLifecycle drives a full cycle through the real wiring: an
// urgent manual job beats the automatic batch, failing autos come back with a
// backoff gate and their ids intact, and an item that fails terminally often
// enough ends up quarantined and out of the rotation.
func TestMixedWorkloadLifecycle(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		ran    []string
		errFor = map[string]error{}
	)
	exec := pipeline.Func(func(ctx context.Context, j queue.Job) (pipeline.Result, error) {
		mu.Lock()
		ran = append(ran, j.TargetID)
		err := errFor[j.TargetID]
		mu.Unlock()
		if err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Result{NewItems: 1}, nil
	})

	f := newFixture(t, Config{Executor: exec, UpdateInterval: time.Minute}, nil)
	ctx := context.Background()
	t0 := f.clock.Now()

	man := f.seedItem(t, "alpha", "read me now")
	a1 := f.seedItem(t, "alpha", "flaky one")
	a2 := f.seedItem(t, "alpha", "flaky two")
	// The manual target sits outside the automatic rotation.
	if err := f.registry.SetStatus("alpha", man.ID, library.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	mu.Lock()
	errFor[a1.ID] = errors.New("upstream 503")
	errFor[a2.ID] = errors.New("upstream 503")
	mu.Unlock()

	if _, err := f.sched.AddManualJob(man.ID, "alpha", queue.PriorityUrgent, nil); err != nil {
		t.Fatalf("add manual: %v", err)
	}

	// First tick builds the automatic batch and still dispatches the urgent
	// job ahead of it.
	f.sched.Start()
	f.sched.Tick(ctx)
	f.waitIdle(t)
	mu.Lock()
	first := ran[0]
	mu.Unlock()
	if first != man.ID {
		t.Fatalf("first dispatch hit %s, want the urgent target %s", first, man.ID)
	}
	if snap := f.sched.Snapshot(); snap.Completed != 1 {
		t.Fatalf("completed = %d after the manual job, want 1", snap.Completed)
	}

	// Run both autos once; each fails retryably.
	byTarget := map[string]queue.Job{}
	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Minute)
		f.sched.Tick(ctx)
		f.waitIdle(t)
	}
	st := f.queue.Status()
	if st.Pending != 2 {
		t.Fatalf("pending = %d, want both autos requeued", st.Pending)
	}
	for _, j := range st.Waiting {
		byTarget[j.TargetID] = j
	}
	for i, want := range []struct {
		target string
		gate   time.Time
	}{
		{a1.ID, t0.Add(3 * time.Minute)}, // failed at +1m, gated 2m out
		{a2.ID, t0.Add(4 * time.Minute)}, // failed at +2m, gated 2m out
	} {
		j, ok := byTarget[want.target]
		if !ok {
			t.Fatalf("auto #%d for %s missing from the waiting set", i, want.target)
		}
		if j.RetryCount != 1 || !strings.HasPrefix(j.ID, "auto_") {
			t.Fatalf("requeued job = %+v, want retryCount 1 with its original id", j)
		}
		if j.ScheduledFor == nil || !j.ScheduledFor.Equal(want.gate) {
			t.Fatalf("gate for %s = %v, want %v", want.target, j.ScheduledFor, want.gate)
		}
	}
	// Retryable failures never restarted the idle timer.
	if snap := f.sched.Snapshot(); snap.Failed != 0 || !snap.LastProcessEnd.Equal(t0) {
		t.Fatalf("snapshot after retryable failures = %+v", snap)
	}

	// Take the second auto out of the picture and make the first one fail
	// terminally from here on.
	if err := f.registry.SetStatus("alpha", a2.ID, library.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !f.queue.Cancel(byTarget[a2.ID].ID) {
		t.Fatal("cancel of the waiting auto failed")
	}
	mu.Lock()
	errFor[a1.ID] = pipeline.NoRetry(errors.New("target deleted upstream"))
	delete(errFor, a2.ID)
	mu.Unlock()

	// Ten terminal failures in a row. Each cycle re-enqueues the target and
	// fails it for good; the trip happens inside the sweep on the tenth.
	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Minute)
		f.sched.Tick(ctx)
		f.waitIdle(t)
	}

	got, ok := f.registry.Item("alpha", a1.ID)
	if !ok {
		t.Fatal("item missing from registry")
	}
	if got.Status != library.StatusQuarantined || got.ConsecutiveErrors != 10 {
		t.Fatalf("item = %+v, want QUARANTINED at 10 errors", got)
	}
	if !f.engine.IsQuarantined("alpha", a1.ID) {
		t.Fatal("engine does not report the item quarantined")
	}
	if tripped := f.engine.CheckAndQuarantine(); len(tripped) != 0 {
		t.Fatalf("re-check tripped %d items, want 0", len(tripped))
	}
	ev := f.engine.History(1)
	if len(ev) != 1 || ev[0].Action != quarantine.ActionQuarantined {
		t.Fatalf("history = %+v, want one trip event", ev)
	}
	if ev[0].Target != a1.ID || ev[0].ErrorCount != 10 {
		t.Fatalf("trip event = %+v", ev[0])
	}
	if snap := f.sched.Snapshot(); snap.Failed != 10 || snap.Completed != 1 {
		t.Fatalf("failed = %d completed = %d, want 10/1", snap.Failed, snap.Completed)
	}

	// The parked item drops out of the rotation entirely.
	if eligible := f.registry.ListEligibleForAutoUpdate(); len(eligible) != 0 {
		t.Fatalf("eligible = %+v after quarantine, want none", eligible)
	}
	f.clock.Advance(time.Minute)
	f.sched.Tick(ctx)
	f.waitIdle(t)
	if st := f.queue.Status(); st.Pending != 0 {
		t.Fatalf("pending = %d after quarantine, want an empty batch", st.Pending)
	}
}
