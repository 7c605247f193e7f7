package pageops

import (
	"govetachun/treekv/internal/config"
)

// Pool is a fixed set of Handlers selected by hash affinity on leaf
// identity, so every PageOperation against a given leaf serializes through
// exactly one goroutine (single-writer-per-page).
type Pool struct {
	handlers []*Handler
}

// NewPool starts size handler goroutines (at least one). cfg supplies only
// each handler's loop interval; the caller chooses size.
func NewPool(size int, cfg config.Config) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{handlers: make([]*Handler, size)}
	for i := range p.handlers {
		p.handlers[i] = newHandler(i, cfg.PageOpLoopInterval)
	}
	return p
}

// HandlerFor returns the handler owning affinity (typically a leaf's
// PagePos or a stable hash of its first key).
func (p *Pool) HandlerFor(affinity uint64) *Handler {
	return p.handlers[affinity%uint64(len(p.handlers))]
}

// Submit runs op under the three-tier dispatch policy described in
// SPEC_FULL.md §4.3: if the caller already *is* the owning handler (a
// split cascade continuing work it started), run inline to avoid
// self-deadlock; otherwise attempt the lock-free dummy inline path once,
// and only escalate to the handler's serialized queue when that reports
// Retry, i.e. when a concurrent structural change is in flight.
//
// caller is nil for calls originating outside any handler goroutine
// (ordinary client requests); it is passed explicitly rather than
// recovered from goroutine-local state, matching how the session layer
// threads its own call context.
func (p *Pool) Submit(caller *Handler, affinity uint64, op Operation) (Result, error) {
	h := p.HandlerFor(affinity)
	if caller != nil && caller == h {
		return RunInline(op)
	}
	if res, err := RunInline(op); res != Retry || err != nil {
		return res, err
	}
	return h.SubmitSync(op)
}

// SubmitAsync is Submit's non-blocking form: onComplete runs on the owning
// handler's goroutine once op finishes (possibly after internal retries).
func (p *Pool) SubmitAsync(affinity uint64, op Operation, onComplete func(Result, error)) {
	p.HandlerFor(affinity).SubmitAsync(op, onComplete)
}

// RunPeriodicTasks drains every handler's periodic-task list once. Called
// from the scheduler's idle path, never concurrently with itself.
func (p *Pool) RunPeriodicTasks() {
	for _, h := range p.handlers {
		h.RunPeriodicTasks()
	}
}

// Close stops every handler goroutine.
func (p *Pool) Close() {
	for _, h := range p.handlers {
		h.Close()
	}
}

// Size returns the number of handlers in the pool.
func (p *Pool) Size() int { return len(p.handlers) }
