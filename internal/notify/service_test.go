package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"curator/internal/eventbus"
	"curator/internal/storage"
	logx "curator/pkg/logx"
)

type fakeSink struct {
	mu      sync.Mutex
	sent    []Notification
	failFor int // first N sends fail
	block   chan struct{}
}

func (f *fakeSink) Send(ctx context.Context, n Notification) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor > 0 {
		f.failFor--
		return errors.New("sink unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fastConfig keeps tests off the default rate limit and retry delays.
func fastConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    1,
		QueueSize:  16,
		RatePerSec: 1000,
		RetryBase:  time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, sink Sink, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, sink, logx.Nop(), bus, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := startService(t, fastConfig(), sink, nil)

	if err := s.Notify(context.Background(), Notification{Priority: 5, Title: "hello", Text: "world"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return sink.sentCount() == 1 })

	if hist := s.Snapshot(); len(hist) != 1 || hist[0].Text != "hello: world" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestDisabledRejects(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeSink{}, logx.Nop(), nil, nil)
	s.Start(context.Background())

	err := s.Notify(context.Background(), Notification{Title: "x"})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyBeforeStartRejects(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeSink{}, logx.Nop(), nil, nil)

	err := s.Notify(context.Background(), Notification{Title: "x"})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	sink := &fakeSink{}
	s := startService(t, cfg, sink, nil)
	ctx := context.Background()

	n := Notification{Priority: 7, Title: "quarantined", Text: "item x"}
	if err := s.Notify(ctx, n); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	// The repeat is swallowed, not an error.
	if err := s.Notify(ctx, n); err != nil {
		t.Fatalf("duplicate notify: %v", err)
	}
	if err := s.Notify(ctx, Notification{Priority: 7, Title: "quarantined", Text: "item y"}); err != nil {
		t.Fatalf("distinct notify: %v", err)
	}

	waitFor(t, "two deliveries", func() bool { return sink.sentCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := sink.sentCount(); got != 2 {
		t.Fatalf("sent = %d, want duplicate suppressed", got)
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	ctx := context.Background()
	n := Notification{Priority: 7, Title: "quarantined", Text: "item x"}

	sink1 := &fakeSink{}
	s1 := New(cfg, sink1, logx.Nop(), nil, st)
	s1.Start(ctx)
	if err := s1.Notify(ctx, n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return sink1.sentCount() == 1 })
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	s1.Stop(stopCtx)
	cancel()

	// Second run against the same store: the suppression carries over.
	sink2 := &fakeSink{}
	s2 := New(cfg, sink2, logx.Nop(), nil, st)
	s2.Start(ctx)
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s2.Stop(c)
	})

	if err := s2.Notify(ctx, n); err != nil {
		t.Fatalf("repeat notify: %v", err)
	}
	if err := s2.Notify(ctx, Notification{Priority: 7, Title: "quarantined", Text: "item y"}); err != nil {
		t.Fatalf("distinct notify: %v", err)
	}
	waitFor(t, "distinct delivery", func() bool { return sink2.sentCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := sink2.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want repeat suppressed across restart", got)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.QueueSize = 1
	sink := &fakeSink{block: make(chan struct{})}
	s := startService(t, cfg, sink, nil)
	ctx := context.Background()

	// First occupies the worker, second fills the one queue slot.
	if err := s.Notify(ctx, Notification{Title: "a"}); err != nil {
		t.Fatalf("notify a: %v", err)
	}
	waitFor(t, "worker pickup", func() bool {
		return s.Notify(ctx, Notification{Title: "b"}) == nil
	})

	// Worker blocked, slot taken: the next one must be reported, not queued.
	if err := s.Notify(ctx, Notification{Title: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(sink.block)
}

func TestRetryEventuallySends(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = 3
	sink := &fakeSink{failFor: 2}
	s := startService(t, cfg, sink, nil)

	if err := s.Notify(context.Background(), Notification{Title: "flaky", Text: "send"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "delivery after retries", func() bool { return sink.sentCount() == 1 })
}

func TestRetriesExhaustedPublishesFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, cancel := bus.Subscribe(16)
	defer cancel()

	cfg := fastConfig()
	cfg.RetryMax = 1
	sink := &fakeSink{failFor: 100}
	s := startService(t, cfg, sink, bus)

	if err := s.Notify(context.Background(), Notification{Title: "doomed"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != "notify.failed" {
				continue
			}
			d, ok := ev.Data.(DeliveryEvent)
			if !ok || d.Title != "doomed" || d.Error == "" {
				t.Fatalf("failure event = %+v", ev.Data)
			}
			return
		case <-deadline:
			t.Fatal("no notify.failed event")
		}
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := New(fastConfig(), sink, logx.Nop(), nil, nil)
	s.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Notify(ctx, Notification{Title: "drain", Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if got := sink.sentCount(); got != 5 {
		t.Fatalf("sent = %d after drain, want 5", got)
	}
	// Intake is closed now.
	if err := s.Notify(ctx, Notification{Title: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("post-stop err = %v, want ErrStopped", err)
	}
}

func TestStartTwiceIsHarmless(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := startService(t, fastConfig(), sink, nil)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), Notification{Title: "ok"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return sink.sentCount() == 1 })
}

func TestLevelForPriority(t *testing.T) {
	t.Parallel()
	cases := []struct {
		prio int
		want string
	}{
		{10, "critical"},
		{9, "critical"},
		{8, "warning"},
		{7, "warning"},
		{6, "info"},
		{5, "info"},
		{4, "note"},
		{0, "note"},
	}
	for _, tc := range cases {
		if got := levelForPriority(tc.prio); got != tc.want {
			t.Errorf("level(%d) = %q, want %q", tc.prio, got, tc.want)
		}
	}
}
