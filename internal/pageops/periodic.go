package pageops

import "sync/atomic"

// atomicPeriodicList is a copy-on-write slice of periodic task callbacks.
// Registration is rare (once per leaf-bound maintenance concern) and the
// scheduler's idle path drains it on every tick, so snapshot reads never
// want to take a lock.
type atomicPeriodicList struct {
	v atomic.Pointer[[]func()]
}

func (l *atomicPeriodicList) add(fn func()) {
	for {
		old := l.v.Load()
		var oldSlice []func()
		if old != nil {
			oldSlice = *old
		}
		next := make([]func(), len(oldSlice)+1)
		copy(next, oldSlice)
		next[len(oldSlice)] = fn
		if l.v.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (l *atomicPeriodicList) snapshot() []func() {
	p := l.v.Load()
	if p == nil {
		return nil
	}
	return *p
}
