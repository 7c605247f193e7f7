// Package pageops implements the page-operation scheduling engine (C3): a
// pool of dedicated handler goroutines, each a single-writer FIFO for the
// leaves it owns, plus the hot-path-first dispatch policy that keeps
// uncontended writes off the pool entirely.
package pageops

import (
	"context"
	"time"

	"govetachun/treekv/internal/logging"
	"govetachun/treekv/pkg/kvutil"
)

// Operation is a single unit of page work: a SingleWrite (Put/PutIfAbsent/
// Replace/Remove/Append) or a Runnable (leaf move, replica reconfiguration).
// Run must be idempotent with respect to re-execution when it returns Retry.
type Operation interface {
	Run() (Result, error)
}

// OperationFunc adapts a function to Operation, for Runnable-style work that
// carries no result beyond success/failure (leaf move steps, periodic
// maintenance).
type OperationFunc func() (Result, error)

func (f OperationFunc) Run() (Result, error) { return f() }

const maxInlineRetries = 8

type task struct {
	op         Operation
	resultCh   chan outcome
	onComplete func(Result, error)
}

type outcome struct {
	res Result
	err error
}

// Handler owns one FIFO of PageOperations, executed one at a time on a
// single dedicated goroutine. It also holds the copy-on-write list of
// periodic tasks the scheduler's idle path drains.
type Handler struct {
	id           int
	queue        chan task
	loopInterval time.Duration
	log          *logging.Entry

	periodic atomicPeriodicList

	cancel context.CancelFunc
	done   chan struct{}
}

func newHandler(id int, loopInterval time.Duration) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		id:           id,
		queue:        make(chan task, 256),
		loopInterval: loopInterval,
		log:          logging.New("pageops.handler"),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go h.loop(ctx)
	return h
}

func (h *Handler) loop(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-h.queue:
			res, err := h.runWithRetry(t.op)
			if t.resultCh != nil {
				t.resultCh <- outcome{res, err}
			}
			if t.onComplete != nil {
				t.onComplete(res, err)
			}
		}
	}
}

// runWithRetry re-runs an operation that reports Retry, bounded, with a
// jittered backoff. Shifted/Locked/Succeeded are returned immediately: only
// Retry is this handler's own responsibility to absorb, since it means the
// structural latch this handler itself must respect was momentarily busy.
func (h *Handler) runWithRetry(op Operation) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := op.Run()
		if res != Retry || err != nil || attempt >= maxInlineRetries {
			return res, err
		}
		time.Sleep(kvutil.Backoff(attempt, time.Microsecond*50, time.Millisecond*5))
	}
}

// SubmitSync runs op and blocks until it completes, via a listener channel
// (the core's "SyncListener").
func (h *Handler) SubmitSync(op Operation) (Result, error) {
	ch := make(chan outcome, 1)
	h.queue <- task{op: op, resultCh: ch}
	out := <-ch
	return out.res, out.err
}

// SubmitAsync enqueues op and invokes onComplete from this handler's
// goroutine once it finishes; never blocks the caller.
func (h *Handler) SubmitAsync(op Operation, onComplete func(Result, error)) {
	h.queue <- task{op: op, onComplete: onComplete}
}

// RunInline runs op on the calling goroutine without going through any
// handler queue at all. Used both by the dummy hot-path (§4.3) and by a
// handler that discovers the caller already *is* the owning handler thread.
func RunInline(op Operation) (Result, error) {
	return op.Run()
}

// AddPeriodicTask registers fn to run from the scheduler's idle path, never
// from inside an operation. The list is copy-on-write so readers (the
// scheduler draining it) never race a concurrent registration.
func (h *Handler) AddPeriodicTask(fn func()) {
	h.periodic.add(fn)
}

// RunPeriodicTasks invokes every registered periodic task once. Called only
// by the scheduler's idle path.
func (h *Handler) RunPeriodicTasks() {
	for _, fn := range h.periodic.snapshot() {
		fn()
	}
}

// Close stops the handler's goroutine and waits for it to exit.
func (h *Handler) Close() {
	h.cancel()
	<-h.done
}

func (h *Handler) ID() int { return h.id }
