// Package writeq serializes all database writes through a single worker. SQLite allows one writer at a time; funneling
// every mutation through a FIFO queue avoids lock contention entirely and gives each operation a bounded retry policy
// for BUSY results. Reads do not pass through the queue.
package writeq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/murmel-chat/murmel-server/internal/sqlite"
)

const (
	// opTimeout is the maximum wall time for a single queued operation, including retries.
	opTimeout = 30 * time.Second

	// maxAttempts bounds how many times a BUSY operation is retried before failing.
	maxAttempts = 4

	// queueDepth is the number of pending operations the queue accepts before enqueueing blocks.
	queueDepth = 1024
)

// retryBackoff returns the wait before the given retry attempt (1-based).
func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 25 * time.Millisecond
}

// Sentinel errors for queue failure modes.
var (
	ErrShutdown = errors.New("write queue is shut down")
	ErrTimedOut = errors.New("write operation timed out")
)

// Op is a mutating database operation. It must be safe to re-run when the previous attempt failed with BUSY, which
// holds for single statements and for transactions built with sqlite.WithTx.
type Op func(ctx context.Context) error

type job struct {
	name string
	fn   Op
	ctx  context.Context
	done chan error
}

// Queue is the process-wide serialized writer. Operations are executed strictly in enqueue order by one worker
// goroutine; each caller receives a future resolved with the operation's result.
type Queue struct {
	jobs      chan *job
	stopped   chan struct{}
	log       zerolog.Logger
	timeout   time.Duration
	attempts  int
	retryable func(error) bool
}

// New creates a write queue. Run must be started before enqueued operations make progress.
func New(logger zerolog.Logger) *Queue {
	return &Queue{
		jobs:      make(chan *job, queueDepth),
		stopped:   make(chan struct{}),
		log:       logger.With().Str("component", "writeq").Logger(),
		timeout:   opTimeout,
		attempts:  maxAttempts,
		retryable: sqlite.IsBusy,
	}
}

// Run executes queued operations until the context is cancelled. Jobs still queued at shutdown are failed with
// ErrShutdown rather than silently dropped.
func (q *Queue) Run(ctx context.Context) error {
	for {
		// Checked before the select so that a cancelled context always wins over pending work.
		if err := ctx.Err(); err != nil {
			q.shutdown()
			return err
		}
		select {
		case <-ctx.Done():
			q.shutdown()
			return ctx.Err()
		case j := <-q.jobs:
			j.done <- q.execute(j)
		}
	}
}

// shutdown marks the queue stopped and fails all queued jobs. A reaper goroutine stays behind to resolve enqueues that
// raced with shutdown, so no caller is ever left waiting on an unresolved future.
func (q *Queue) shutdown() {
	close(q.stopped)
	go func() {
		for j := range q.jobs {
			j.done <- fmt.Errorf("%s: %w", j.name, ErrShutdown)
		}
	}()
}

// execute runs one job with the per-operation timeout and BUSY retry policy.
func (q *Queue) execute(j *job) error {
	// The caller may have given up while the job sat in the queue.
	if err := j.ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}

	opCtx, cancel := context.WithTimeout(j.ctx, q.timeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= q.attempts; attempt++ {
		start := time.Now()
		err = j.fn(opCtx)
		if err == nil {
			q.log.Debug().Str("op", j.name).Dur("took", time.Since(start)).Msg("Write applied")
			return nil
		}
		if !q.retryable(err) {
			break
		}
		if attempt == q.attempts {
			break
		}

		q.log.Debug().Str("op", j.name).Int("attempt", attempt).Msg("Write busy, retrying")
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s: %w", j.name, ErrTimedOut)
		case <-time.After(retryBackoff(attempt)):
		}
	}

	if opCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", j.name, ErrTimedOut)
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// Enqueue submits an operation and returns a future that resolves exactly once with its result. Enqueue blocks only
// when the queue is at capacity.
func (q *Queue) Enqueue(ctx context.Context, name string, fn Op) <-chan error {
	done := make(chan error, 1)
	j := &job{name: name, fn: fn, ctx: ctx, done: done}

	select {
	case q.jobs <- j:
	case <-ctx.Done():
		done <- fmt.Errorf("%s: %w", name, ctx.Err())
	case <-q.stopped:
		done <- fmt.Errorf("%s: %w", name, ErrShutdown)
	}
	return done
}

// Do submits an operation and waits for its result. The wait itself is not bounded by the operation timeout: once an
// operation starts executing, its caller observes the true outcome.
func (q *Queue) Do(ctx context.Context, name string, fn Op) error {
	return <-q.Enqueue(ctx, name, fn)
}

// Depth returns the number of operations currently waiting in the queue.
func (q *Queue) Depth() int {
	return len(q.jobs)
}
