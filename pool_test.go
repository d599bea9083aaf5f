package poolz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// newTestPool builds a small pool with sizing effectively disabled so tests
// control the worker count exactly.
func newTestPool(t *testing.T, workers, maxBacklog int) *Pool {
	t.Helper()
	pool, err := New("test-pool", Config{
		InitialWorkers: workers,
		MaxWorkers:     workers,
		MaxBacklog:     maxBacklog,
		SizingInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(pool.Stop)
	return pool
}

func TestNew(t *testing.T) {
	t.Run("Applies Defaults", func(t *testing.T) {
		pool, err := New("defaults", Config{SizingInterval: time.Hour})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer pool.Stop()

		if pool.WorkerCount() < 1 {
			t.Errorf("expected at least one worker, got %d", pool.WorkerCount())
		}
		if pool.cfg.MaxWorkers < pool.cfg.InitialWorkers {
			t.Errorf("expected MaxWorkers >= InitialWorkers, got %d < %d", pool.cfg.MaxWorkers, pool.cfg.InitialWorkers)
		}
		if pool.cfg.SpinCount != 100 {
			t.Errorf("expected default spin count 100, got %d", pool.cfg.SpinCount)
		}
		if pool.cfg.ParkWait != time.Millisecond {
			t.Errorf("expected default park wait 1ms, got %v", pool.cfg.ParkWait)
		}
	})

	t.Run("Rejects Negative Backlog", func(t *testing.T) {
		_, err := New("bad", Config{MaxBacklog: -1})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("Rejects Max Below Initial", func(t *testing.T) {
		_, err := New("bad", Config{InitialWorkers: 8, MaxWorkers: 2})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("Rejects Unknown Priority", func(t *testing.T) {
		_, err := New("bad", Config{Priority: Priority(42)})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestEnqueue(t *testing.T) {
	t.Run("Runs Tasks", func(t *testing.T) {
		pool := newTestPool(t, 2, 0)

		var counter int32
		items := make([]*Item, 0, 5)
		for i := 0; i < 5; i++ {
			item, err := pool.Enqueue(context.Background(), func() error {
				atomic.AddInt32(&counter, 1)
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			items = append(items, item)
		}
		for _, item := range items {
			if err := item.Wait(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		if atomic.LoadInt32(&counter) != 5 {
			t.Errorf("expected counter 5, got %d", atomic.LoadInt32(&counter))
		}
		for _, item := range items {
			if !item.IsComplete() || item.HadError() || item.WasAborted() {
				t.Errorf("expected clean completion, got state %v", item.State())
			}
		}
	})

	t.Run("Rejects Nil Task", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)
		if _, err := pool.Enqueue(context.Background(), nil); err == nil {
			t.Error("expected error for nil task")
		}
	})

	t.Run("Preserves FIFO Order", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		gate := make(chan struct{})
		first, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var mu sync.Mutex
		var order []int
		items := make([]*Item, 0, 20)
		for i := 0; i < 20; i++ {
			n := i
			item, err := pool.Enqueue(context.Background(), func() error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			items = append(items, item)
		}

		close(gate)
		if err := first.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, item := range items {
			if err := item.Wait(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		mu.Lock()
		defer mu.Unlock()
		for i, n := range order {
			if n != i {
				t.Fatalf("expected FIFO order, got %v", order)
			}
		}
	})

	t.Run("Typed Parameter", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		var got string
		item, err := EnqueueWith(context.Background(), pool, "payload", func(p string) error {
			got = p
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := item.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "payload" {
			t.Errorf("expected parameter %q, got %q", "payload", got)
		}
	})

	t.Run("Context Cancellation During Admission", func(t *testing.T) {
		pool := newTestPool(t, 1, 1)

		gate := make(chan struct{})
		defer close(gate)
		if _, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Fill the single backlog slot while the worker is busy.
		eventually(t, time.Second, func() bool { return pool.BacklogLen() == 0 }, "worker pickup")
		if _, err := pool.Enqueue(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := pool.Enqueue(ctx, func() error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestAdmissionBound(t *testing.T) {
	t.Run("Blocks When Full And Resumes", func(t *testing.T) {
		pool := newTestPool(t, 1, 2)

		gate := make(chan struct{})
		busy, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventually(t, time.Second, func() bool { return pool.BacklogLen() == 0 }, "worker pickup")

		items := []*Item{busy}
		for i := 0; i < 2; i++ {
			item, err := pool.Enqueue(context.Background(), func() error { return nil })
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			items = append(items, item)
		}
		if pool.BacklogLen() != 2 {
			t.Fatalf("expected backlog 2, got %d", pool.BacklogLen())
		}

		var enqueued atomic.Bool
		blocked := make(chan *Item, 1)
		go func() {
			item, err := pool.Enqueue(context.Background(), func() error { return nil })
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			enqueued.Store(true)
			blocked <- item
		}()

		time.Sleep(50 * time.Millisecond)
		if enqueued.Load() {
			t.Fatal("expected fourth enqueue to block on the full backlog")
		}

		close(gate)
		select {
		case item := <-blocked:
			items = append(items, item)
		case <-time.After(2 * time.Second):
			t.Fatal("blocked enqueue never resumed")
		}

		for _, item := range items {
			if err := item.Wait(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if item.HadError() {
				t.Errorf("unexpected task error: %v", item.Err())
			}
		}
	})

	t.Run("Never Exceeds Bound", func(t *testing.T) {
		pool := newTestPool(t, 1, 3)

		gate := make(chan struct{})
		defer close(gate)
		if _, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventually(t, time.Second, func() bool { return pool.BacklogLen() == 0 }, "worker pickup")

		var wg sync.WaitGroup
		stop := make(chan struct{})
		var maxSeen int32
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if n := int32(pool.BacklogLen()); n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = pool.Enqueue(ctx, func() error { return nil })
			}()
		}

		<-ctx.Done()
		close(stop)
		wg.Wait()

		if n := atomic.LoadInt32(&maxSeen); n > 3 {
			t.Errorf("backlog exceeded bound: observed %d > 3", n)
		}
	})
}

func TestAbort(t *testing.T) {
	t.Run("Abort Before Start", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		gate := make(chan struct{})
		a, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventually(t, time.Second, func() bool { return a.State() == StateRunning }, "worker pickup")

		var ran int32
		var hookCalls int32
		b, err := pool.Enqueue(context.Background(), func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		}, WithOnComplete(func(*Item) {
			atomic.AddInt32(&hookCalls, 1)
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !b.Abort() {
			t.Fatal("expected abort of pending item to succeed")
		}
		if !b.IsComplete() || !b.WasAborted() {
			t.Errorf("expected aborted terminal state, got %v", b.State())
		}
		if b.HadError() {
			t.Error("aborted item must not report a task error")
		}
		if b.WallDuration() != 0 {
			t.Errorf("expected zero wall duration for unstarted item, got %v", b.WallDuration())
		}
		if atomic.LoadInt32(&hookCalls) != 1 {
			t.Errorf("expected completion hook exactly once, got %d", atomic.LoadInt32(&hookCalls))
		}

		close(gate)
		if err := a.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.HadError() {
			t.Errorf("unexpected task error: %v", a.Err())
		}
		// The worker skips the aborted item without invoking it.
		time.Sleep(20 * time.Millisecond)
		if atomic.LoadInt32(&ran) != 0 {
			t.Errorf("aborted task must never run, ran %d times", atomic.LoadInt32(&ran))
		}
		if atomic.LoadInt32(&hookCalls) != 1 {
			t.Errorf("completion hook fired again after skip, got %d", atomic.LoadInt32(&hookCalls))
		}
	})

	t.Run("Abort Running Returns False", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		gate := make(chan struct{})
		item, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventually(t, time.Second, func() bool { return item.State() == StateRunning }, "worker pickup")

		if item.Abort() {
			t.Error("expected abort of running item to fail")
		}
		close(gate)
		if err := item.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if item.WasAborted() {
			t.Error("running item must not end up aborted")
		}
	})

	t.Run("Double Abort", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		gate := make(chan struct{})
		defer close(gate)
		if _, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		item, err := pool.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !pool.Abort(item) {
			t.Fatal("expected first abort to succeed")
		}
		if pool.Abort(item) {
			t.Error("expected second abort to fail")
		}
		if item.State() != StateAborted {
			t.Errorf("expected aborted state, got %v", item.State())
		}
	})
}

func TestErrorCapture(t *testing.T) {
	t.Run("Task Error Is Recorded", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		sentinel := errors.New("task failed")
		var hookCalls int32
		item, err := pool.Enqueue(context.Background(), func() error {
			return sentinel
		}, WithOnComplete(func(*Item) {
			atomic.AddInt32(&hookCalls, 1)
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := item.Wait(context.Background()); err != nil {
			t.Fatalf("wait must not propagate task errors, got %v", err)
		}

		if !item.HadError() {
			t.Fatal("expected HadError")
		}
		if !errors.Is(item.Err(), sentinel) {
			t.Errorf("expected sentinel error, got %v", item.Err())
		}
		if item.WasAborted() {
			t.Error("failed item must not report aborted")
		}
		if atomic.LoadInt32(&hookCalls) != 1 {
			t.Errorf("expected completion hook exactly once, got %d", atomic.LoadInt32(&hookCalls))
		}

		// The pool keeps working after a failure.
		next, err := pool.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := next.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.HadError() {
			t.Errorf("unexpected task error: %v", next.Err())
		}
	})

	t.Run("Panic Is Captured", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		item, err := pool.Enqueue(context.Background(), func() error {
			panic("boom")
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := item.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !item.HadError() {
			t.Fatal("expected HadError after panic")
		}
		if !strings.Contains(item.Err().Error(), "boom") {
			t.Errorf("expected panic value in error, got %v", item.Err())
		}

		// The worker survives the panic.
		next, err := pool.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := next.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestTimings(t *testing.T) {
	t.Run("Wall Duration And Start", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		item, err := pool.Enqueue(context.Background(), func() error {
			time.Sleep(30 * time.Millisecond)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := item.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if item.StartedAt().IsZero() {
			t.Error("expected StartedAt to be set")
		}
		if item.WallDuration() < 20*time.Millisecond {
			t.Errorf("expected wall duration around 30ms, got %v", item.WallDuration())
		}
		if _, ok := item.CPUDuration(); ok {
			t.Error("expected no CPU duration without the capability")
		}
	})

	t.Run("CPU Capability", func(t *testing.T) {
		var samples atomic.Int64
		pool, err := New("cpu-pool", Config{
			InitialWorkers: 1,
			MaxWorkers:     1,
			SizingInterval: time.Hour,
			CPUTime: func() time.Duration {
				return time.Duration(samples.Add(int64(5 * time.Millisecond)))
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer pool.Stop()

		item, err := pool.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := item.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		cpu, ok := item.CPUDuration()
		if !ok {
			t.Fatal("expected CPU duration with the capability set")
		}
		if cpu != 5*time.Millisecond {
			t.Errorf("expected 5ms CPU delta, got %v", cpu)
		}

		workers := pool.Workers()
		if len(workers) != 1 {
			t.Fatalf("expected one worker, got %d", len(workers))
		}
		if workers[0].CPUTotal != 5*time.Millisecond {
			t.Errorf("expected worker CPU total 5ms, got %v", workers[0].CPUTotal)
		}
	})
}

func TestStop(t *testing.T) {
	t.Run("Is Idempotent", func(t *testing.T) {
		pool := newTestPool(t, 2, 0)
		pool.Stop()
		pool.Stop()
		if err := pool.Close(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if pool.WorkerCount() != 0 {
			t.Errorf("expected empty slot set after stop, got %d", pool.WorkerCount())
		}
	})

	t.Run("Waits For Running Task", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		gate := make(chan struct{})
		var finished atomic.Bool
		if _, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			finished.Store(true)
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventually(t, time.Second, func() bool { return pool.BacklogLen() == 0 }, "worker pickup")

		stopped := make(chan struct{})
		go func() {
			pool.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("stop returned while a task was still running")
		case <-time.After(50 * time.Millisecond):
		}

		close(gate)
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("stop never returned")
		}
		if !finished.Load() {
			t.Error("expected the running task to finish before stop returned")
		}
	})

	t.Run("Discards Backlog And Fails Waiters", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		gate := make(chan struct{})
		if _, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventually(t, time.Second, func() bool { return pool.BacklogLen() == 0 }, "worker pickup")

		queued, err := pool.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		waitErr := make(chan error, 1)
		go func() {
			waitErr <- queued.Wait(context.Background())
		}()

		go func() {
			time.Sleep(20 * time.Millisecond)
			close(gate)
		}()
		pool.Stop()

		select {
		case err := <-waitErr:
			if !errors.Is(err, ErrShuttingDown) {
				t.Errorf("expected ErrShuttingDown, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never observed shutdown")
		}
		if queued.IsComplete() {
			t.Error("discarded item must stay non-terminal")
		}
	})

	t.Run("Enqueue After Stop", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)
		pool.Stop()
		_, err := pool.Enqueue(context.Background(), func() error { return nil })
		if !errors.Is(err, ErrShuttingDown) {
			t.Errorf("expected ErrShuttingDown, got %v", err)
		}
	})
}

func TestPoolMetrics(t *testing.T) {
	t.Run("Counts Outcomes", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		gate := make(chan struct{})
		first, err := pool.Enqueue(context.Background(), func() error {
			<-gate
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		eventually(t, time.Second, func() bool { return first.State() == StateRunning }, "worker pickup")

		failing, err := pool.Enqueue(context.Background(), func() error {
			return errors.New("nope")
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		aborted, err := pool.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !aborted.Abort() {
			t.Fatal("expected abort to succeed")
		}

		close(gate)
		if err := first.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := failing.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if v := pool.Metrics().Counter(PoolEnqueuedTotal).Value(); v != 3 {
			t.Errorf("expected 3 enqueued, got %v", v)
		}
		if v := pool.Metrics().Counter(PoolCompletedTotal).Value(); v != 1 {
			t.Errorf("expected 1 completed, got %v", v)
		}
		if v := pool.Metrics().Counter(PoolFailedTotal).Value(); v != 1 {
			t.Errorf("expected 1 failed, got %v", v)
		}
		if v := pool.Metrics().Counter(PoolAbortedTotal).Value(); v != 1 {
			t.Errorf("expected 1 aborted, got %v", v)
		}
	})
}

func TestItemHooks(t *testing.T) {
	t.Run("Delivers Item Events", func(t *testing.T) {
		pool := newTestPool(t, 1, 0)

		var mu sync.Mutex
		var events []ItemEvent
		if err := pool.OnItemDone(func(_ context.Context, e ItemEvent) error {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		item, err := pool.Enqueue(context.Background(), func() error { return nil }, WithName("hooked"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := item.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		eventually(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(events) == 1
		}, "item event delivery")

		mu.Lock()
		defer mu.Unlock()
		if events[0].Name != "hooked" {
			t.Errorf("expected item name %q, got %q", "hooked", events[0].Name)
		}
		if events[0].State != StateCompletedOK {
			t.Errorf("expected completed-ok event, got %v", events[0].State)
		}
		if events[0].Pool != "test-pool" {
			t.Errorf("expected pool name in event, got %q", events[0].Pool)
		}
	})
}

func TestIndependentPools(t *testing.T) {
	t.Run("Pools Are Isolated", func(t *testing.T) {
		a := newTestPool(t, 1, 0)
		b := newTestPool(t, 1, 0)

		itemA, err := a.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := itemA.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		a.Stop()

		itemB, err := b.Enqueue(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := itemB.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v := b.Metrics().Counter(PoolEnqueuedTotal).Value(); v != 1 {
			t.Errorf("expected pool b to count only its own enqueue, got %v", v)
		}
	})
}
