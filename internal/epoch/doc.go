// Package epoch implements epoch-based protection for shared log state.
//
// Every session owns a slot in a fixed table. While a session is inside an
// operation its slot holds the global epoch it observed on entry. An epoch e
// is safe once no slot holds e or anything older, so work deferred until e is
// safe (flushing pages that just became read-only, reusing frames that fell
// below the head) cannot race with an operation that saw the old state.
//
// # Usage
//
//	m := epoch.NewManager(128)
//	slot, _ := m.Acquire()
//	defer m.Release(slot)
//
//	m.Protect(slot)
//	// ... read or update the log ...
//	m.Unprotect(slot)
//
//	// Publish a state change, then run fn once every session has seen it.
//	m.BumpWith(fn)
//
// Deferred actions run exactly once, on whichever goroutine drains the list:
// a session refreshing its epoch, a bump, or a coordinator in WaitSafe.
//
// # Hot path
//
// Protect, Unprotect and ProtectAndDrain touch only the caller's slot and the
// global counter. The drain list is behind a mutex that is taken only when
// the pending-action count is non-zero.
package epoch
