// Package scheduler implements the session-bound cooperative scheduler
// (C5): one dedicated goroutine per scheduler running max/norm/min
// priority command queues, per-session pending task queues, and the
// page-operation pool's periodic maintenance, with starvation prevention
// via YieldIfNeeded priority promotion. Grounded on the teacher's
// concurrency package (refactor_code/internal/concurrency/rwlock.go) for
// its goroutine/condition-variable idiom, generalized from a single lock's
// wait queues to a whole scheduler loop, since the teacher has no
// scheduler component of its own.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"govetachun/treekv/internal/config"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/internal/pageops"
)

// Priority is a command's queue tier. Lower numeric value runs first.
type Priority int

const (
	PriorityMax Priority = iota
	PriorityNorm
	PriorityMin
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityMax:
		return "MAX"
	case PriorityNorm:
		return "NORM"
	case PriorityMin:
		return "MIN"
	default:
		return "UNKNOWN"
	}
}

// promote returns p moved one tier toward PriorityMax, clamped there.
func (p Priority) promote() Priority {
	if p <= PriorityMax {
		return PriorityMax
	}
	return p - 1
}

// Command is one unit of scheduler-driven work: a statement execution, a
// leaf-move step, a session housekeeping task. Run may block on any of the
// suspension points spec.md §5 allows (row-lock wait, page-op result,
// DoAwait, network select) but never inside a tree traversal.
type Command interface {
	Run() error
}

// CommandFunc adapts a plain function to Command.
type CommandFunc func() error

func (f CommandFunc) Run() error { return f() }

type queuedCommand struct {
	cmd      Command
	priority Priority
}

// Handle is held by a long-running Command so it can ask the scheduler,
// via YieldIfNeeded, whether a higher-priority command has since arrived.
// Each call that finds one bumps the handle's own priority one tier toward
// PriorityMax, so a command that yields repeatedly converges upward
// instead of starving behind a steady stream of higher-priority arrivals
// (spec.md §8 testable property #10).
type Handle struct {
	mu       sync.Mutex
	priority Priority
}

// NewHandle returns a Handle starting at priority.
func NewHandle(priority Priority) *Handle {
	return &Handle{priority: priority}
}

// Priority returns the handle's current priority tier.
func (h *Handle) Priority() Priority {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priority
}

type sessionState struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
}

// Scheduler runs one cooperative loop per dedicated goroutine: drain
// session-init tasks, execute ready statements highest-priority-first,
// run the page-operation pool's periodic maintenance, run each session's
// pending tasks, then idle-wait until woken or the loop interval elapses.
type Scheduler struct {
	id           int
	log          *logging.Entry
	loopInterval time.Duration
	pool         *pageops.Pool

	mu          sync.Mutex
	queues      [numPriorities][]queuedCommand
	sessionInit []func()
	sessions    map[uuid.UUID]*sessionState

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	endOnce sync.Once
}

// New creates a Scheduler. pool may be nil if this scheduler doesn't own
// any page-operation handlers (e.g. a test scheduler exercising only
// command dispatch).
func New(id int, cfg config.Config, pool *pageops.Pool) *Scheduler {
	interval := cfg.SchedulerLoopInterval
	if interval <= 0 {
		interval = config.DefaultSchedulerLoopInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		id:           id,
		log:          logging.New("scheduler"),
		loopInterval: interval,
		pool:         pool,
		sessions:     make(map[uuid.UUID]*sessionState),
		wake:         make(chan struct{}, 1),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.drainSessionInitTasks()

		didWork := false
		for s.ExecuteNextStatement() {
			didWork = true
		}

		if s.pool != nil {
			s.pool.RunPeriodicTasks()
		}

		if s.runSessionPendingTasks() {
			didWork = true
		}

		if !didWork {
			s.doAwait(ctx)
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// doAwait blocks until woken by a newly submitted task, the loop interval
// elapses, or the scheduler ends.
func (s *Scheduler) doAwait(ctx context.Context) {
	timer := time.NewTimer(s.loopInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

// SubmitSessionInit enqueues fn to run once at the start of the next loop
// iteration, before any priority queue is drained.
func (s *Scheduler) SubmitSessionInit(fn func()) {
	s.mu.Lock()
	s.sessionInit = append(s.sessionInit, fn)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) drainSessionInitTasks() {
	s.mu.Lock()
	tasks := s.sessionInit
	s.sessionInit = nil
	s.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

// Submit enqueues cmd at the given priority tier.
func (s *Scheduler) Submit(cmd Command, priority Priority) {
	if priority < PriorityMax {
		priority = PriorityMax
	}
	if priority > PriorityMin {
		priority = PriorityMin
	}
	s.mu.Lock()
	s.queues[priority] = append(s.queues[priority], queuedCommand{cmd: cmd, priority: priority})
	s.mu.Unlock()
	s.signal()
}

// ExecuteNextStatement pops and runs the single highest-priority ready
// command across all queues (max, then norm, then min), reporting whether
// it found one to run. Errors are logged, not propagated: one failing
// command must never poison the loop for the rest (spec.md §7).
func (s *Scheduler) ExecuteNextStatement() bool {
	cmd, ok := s.popNext()
	if !ok {
		return false
	}
	if err := cmd.cmd.Run(); err != nil {
		s.log.WithError(err).WithField("priority", cmd.priority.String()).Warn("command failed")
	}
	return true
}

func (s *Scheduler) popNext() (queuedCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := PriorityMax; p < numPriorities; p++ {
		if len(s.queues[p]) > 0 {
			cmd := s.queues[p][0]
			s.queues[p] = s.queues[p][1:]
			return cmd, true
		}
	}
	return queuedCommand{}, false
}

// YieldIfNeeded promotes h's priority by one tier if any queue strictly
// above h's current tier has work waiting, so a long-running command that
// calls this periodically never starves behind a steady stream of
// higher-priority arrivals: each promotion narrows the gap until h itself
// reaches PriorityMax.
func (s *Scheduler) YieldIfNeeded(h *Handle) {
	h.mu.Lock()
	current := h.priority
	h.mu.Unlock()
	if current <= PriorityMax {
		return
	}
	s.mu.Lock()
	higherWaiting := false
	for p := PriorityMax; p < current; p++ {
		if len(s.queues[p]) > 0 {
			higherWaiting = true
			break
		}
	}
	s.mu.Unlock()
	if higherWaiting {
		h.mu.Lock()
		h.priority = h.priority.promote()
		h.mu.Unlock()
	}
}

// RegisterSession creates the pending-task queue for a new session id.
func (s *Scheduler) RegisterSession(id uuid.UUID) {
	s.mu.Lock()
	s.sessions[id] = &sessionState{}
	s.mu.Unlock()
}

// RemoveSession revokes id's pending tasks (none of them will run) and
// forgets the session.
func (s *Scheduler) RemoveSession(id uuid.UUID) {
	s.mu.Lock()
	st, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.pending = nil
		st.closed = true
		st.mu.Unlock()
	}
}

// SubmitSessionTask queues fn to run from this scheduler's loop as part of
// id's pending work. Returns false if id is not (or no longer)
// registered, in which case fn is dropped.
func (s *Scheduler) SubmitSessionTask(id uuid.UUID, fn func()) bool {
	s.mu.Lock()
	st, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false
	}
	st.pending = append(st.pending, fn)
	st.mu.Unlock()
	s.signal()
	return true
}

// runSessionPendingTasks runs every session's currently queued pending
// tasks once, reporting whether any ran.
func (s *Scheduler) runSessionPendingTasks() bool {
	s.mu.Lock()
	states := make([]*sessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		states = append(states, st)
	}
	s.mu.Unlock()

	ran := false
	for _, st := range states {
		st.mu.Lock()
		tasks := st.pending
		st.pending = nil
		closed := st.closed
		st.mu.Unlock()
		if closed {
			continue
		}
		for _, fn := range tasks {
			fn()
			ran = true
		}
	}
	return ran
}

// End stops the scheduler's loop goroutine and waits for it to exit.
// Idempotent: calling it more than once is a no-op after the first call.
func (s *Scheduler) End() {
	s.endOnce.Do(func() {
		s.cancel()
		s.signal()
	})
	<-s.done
}

// ID returns the scheduler's identifier, unique within the server that
// created it.
func (s *Scheduler) ID() int { return s.id }
