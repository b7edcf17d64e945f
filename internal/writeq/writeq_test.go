package writeq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// startQueue runs a queue in the background and stops it on test cleanup.
func startQueue(t *testing.T) *Queue {
	t.Helper()

	q := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestDoReturnsOperationResult(t *testing.T) {
	t.Parallel()

	q := startQueue(t)

	if err := q.Do(context.Background(), "noop", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}

	boom := errors.New("boom")
	err := q.Do(context.Background(), "fails", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want %v", err, boom)
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	q := startQueue(t)

	var mu sync.Mutex
	var order []int

	const n = 50
	futures := make([]<-chan error, 0, n)
	for i := 0; i < n; i++ {
		i := i
		futures = append(futures, q.Enqueue(context.Background(), "ordered", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, f := range futures {
		if err := <-f; err != nil {
			t.Fatalf("future error: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("executed %d ops, want %d", len(order), n)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestSingleWriterNoOverlap(t *testing.T) {
	t.Parallel()

	q := startQueue(t)

	var inFlight, maxInFlight int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "overlap", func(ctx context.Context) error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max concurrent operations = %d, want 1", maxInFlight)
	}
}

func TestBusyRetry(t *testing.T) {
	t.Parallel()

	q := startQueue(t)
	busy := errors.New("database is busy")
	q.retryable = func(err error) bool { return errors.Is(err, busy) }

	attempts := 0
	err := q.Do(context.Background(), "retried", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return busy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestBusyExhaustsRetries(t *testing.T) {
	t.Parallel()

	q := startQueue(t)
	busy := errors.New("database is busy")
	q.retryable = func(err error) bool { return errors.Is(err, busy) }

	attempts := 0
	err := q.Do(context.Background(), "exhausted", func(ctx context.Context) error {
		attempts++
		return busy
	})
	if !errors.Is(err, busy) {
		t.Fatalf("Do() error = %v, want %v", err, busy)
	}
	if attempts != maxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxAttempts)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	q := startQueue(t)

	attempts := 0
	boom := errors.New("constraint failed")
	err := q.Do(context.Background(), "no-retry", func(ctx context.Context) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want %v", err, boom)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestOperationTimeout(t *testing.T) {
	t.Parallel()

	q := startQueue(t)
	q.timeout = 20 * time.Millisecond

	err := q.Do(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Do() error = %v, want %v", err, ErrTimedOut)
	}
}

func TestCancelledCallerSkipsQueuedOp(t *testing.T) {
	t.Parallel()

	q := startQueue(t)

	// Hold the worker so the second job is still queued when its caller gives up.
	release := make(chan struct{})
	first := q.Enqueue(context.Background(), "blocker", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	second := q.Enqueue(ctx, "cancelled", func(ctx context.Context) error {
		ran = true
		return nil
	})
	cancel()
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("blocker error: %v", err)
	}
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled op error = %v, want %v", err, context.Canceled)
	}
	if ran {
		t.Error("cancelled operation still executed")
	}
}

func TestShutdownFailsQueuedJobs(t *testing.T) {
	t.Parallel()

	q := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	// Enqueue before the worker starts so the job is guaranteed to be waiting.
	future := q.Enqueue(context.Background(), "stranded", func(ctx context.Context) error {
		return nil
	})

	cancel()
	runDone := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(runDone)
	}()
	<-runDone

	if err := <-future; !errors.Is(err, ErrShutdown) {
		t.Fatalf("stranded op error = %v, want %v", err, ErrShutdown)
	}

	// New work after shutdown resolves with ErrShutdown as well.
	if err := q.Do(context.Background(), "late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrShutdown) {
		t.Fatalf("late op error = %v, want %v", err, ErrShutdown)
	}
}

func TestErrorsCarryOperationName(t *testing.T) {
	t.Parallel()

	q := startQueue(t)

	err := q.Do(context.Background(), "user.create", func(ctx context.Context) error {
		return errors.New("nope")
	})
	if err == nil || !strings.Contains(err.Error(), "user.create") {
		t.Errorf("error %q does not name the operation", err)
	}
}
