package btree

import "sync/atomic"

// PageReference is the stable, addressable slot a parent holds for one
// child: the unit of atomicity for both lock-free reads and CAS-published
// writes. Pages themselves are immutable once reachable from a reference;
// a write builds a new page and swaps the reference, never mutates a
// published page in place.
type PageReference struct {
	v atomic.Pointer[page]
}

func newPageReference(p page) *PageReference {
	r := &PageReference{}
	r.v.Store(&p)
	return r
}

// Load returns the page currently reachable through this reference. Safe
// to call without any lock held; the returned page is immutable.
func (r *PageReference) Load() page {
	p := r.v.Load()
	if p == nil {
		return nil
	}
	return *p
}

// compareAndSwap publishes next in place of old. Returns false if a
// concurrent writer already moved the slot, in which case the caller's
// operation must be retried against the fresh value.
func (r *PageReference) compareAndSwap(old, next page) bool {
	// atomic.Pointer compares pointer identity, not page equality, so we
	// re-box next fresh each attempt and compare against the *page we
	// last loaded.
	oldPtr := r.v.Load()
	if oldPtr == nil || *oldPtr != old {
		return false
	}
	return r.v.CompareAndSwap(oldPtr, &next)
}

func (r *PageReference) store(next page) {
	r.v.Store(&next)
}
