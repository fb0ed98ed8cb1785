package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fablecast/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIntervalRunner_SkipsTickWhileIterationInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once
	var runs atomic.Int32

	r := newIntervalRunner("test", time.Hour, func(ctx context.Context, _ time.Time) error {
		runs.Add(1)
		startedOnce.Do(func() { close(started) })
		<-release
		return nil
	}, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.tick(context.Background())
	}()

	<-started
	if r.tick(context.Background()) {
		t.Fatal("expected second tick to be skipped while first is in flight")
	}

	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected exactly 1 run, got %d", got)
	}
	if !r.tick(context.Background()) {
		t.Fatal("expected tick to run again once the previous iteration finished")
	}
}

func TestIntervalRunner_ErrorDoesNotStopLoop(t *testing.T) {
	var runs atomic.Int32

	r := newIntervalRunner("test", 5*time.Millisecond, func(ctx context.Context, _ time.Time) error {
		runs.Add(1)
		return errors.New("boom")
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("loop did not keep running after task errors")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestIntervalRunner_RunsImmediatelyOnStart(t *testing.T) {
	ran := make(chan struct{})
	var once sync.Once

	r := newIntervalRunner("test", time.Hour, func(ctx context.Context, _ time.Time) error {
		once.Do(func() { close(ran) })
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("first iteration did not run at startup")
	}
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

type countingPoller struct {
	calls atomic.Int32
	limit atomic.Int32
}

func (c *countingPoller) RunOnce(_ context.Context, limit int) (int, error) {
	c.calls.Add(1)
	c.limit.Store(int32(limit))
	return 0, nil
}

type countingDispatcher struct{ calls atomic.Int32 }

func (c *countingDispatcher) RunOnce(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

type countingTask struct{ calls atomic.Int32 }

func (c *countingTask) Run(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func shortIntervalConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Scheduler.CheckInterval = 5 * time.Millisecond
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.RecoveryInterval = 5 * time.Millisecond
	cfg.Worker.RetentionInterval = 5 * time.Millisecond
	cfg.Delivery.CheckInterval = 5 * time.Millisecond
	return cfg
}

func TestApp_RunsEveryConfiguredLoop(t *testing.T) {
	sweeper := &countingSweeper{}
	poller := &countingPoller{}
	dispatcher := &countingDispatcher{}
	recovery := &countingTask{}
	retention := &countingTask{}

	a := New(shortIntervalConfig(), testLogger(), sweeper, poller, dispatcher, recovery, retention)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() == 0 || poller.calls.Load() == 0 ||
		dispatcher.calls.Load() == 0 || recovery.calls.Load() == 0 ||
		retention.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("not all loops ran: sweep=%d poll=%d dispatch=%d recovery=%d retention=%d",
				sweeper.calls.Load(), poller.calls.Load(), dispatcher.calls.Load(),
				recovery.calls.Load(), retention.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("app did not shut down after context cancellation")
	}

	if got := poller.limit.Load(); got != workerClaimBatch {
		t.Fatalf("expected poller limit %d, got %d", workerClaimBatch, got)
	}
}

func TestApp_NilComponentsAreSkipped(t *testing.T) {
	dispatcher := &countingDispatcher{}
	a := New(shortIntervalConfig(), testLogger(), nil, nil, dispatcher, nil, nil)

	if len(a.runners) != 1 {
		t.Fatalf("expected 1 runner, got %d", len(a.runners))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for dispatcher.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatcher loop never ran")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}
