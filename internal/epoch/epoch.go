package epoch

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoFreeSlot is returned by Acquire when every slot is taken.
var ErrNoFreeSlot = errors.New("epoch: no free slot")

// unprotected marks a slot whose owner is outside any operation.
const unprotected = 0

// slot is padded to a cache line so neighbouring sessions do not false-share.
type slot struct {
	local atomic.Uint64
	inUse atomic.Bool
	_     [48]byte
}

type action struct {
	epoch uint64
	fn    func()
}

// Manager tracks the global epoch and per-session protection slots.
type Manager struct {
	current atomic.Uint64
	safe    atomic.Uint64
	slots   []slot

	mu      sync.Mutex
	actions []action
	pending atomic.Int64
}

// NewManager creates a manager with room for maxSlots concurrent sessions.
func NewManager(maxSlots int) *Manager {
	if maxSlots <= 0 {
		maxSlots = 1
	}
	m := &Manager{slots: make([]slot, maxSlots)}
	m.current.Store(1)
	return m
}

// Slots returns the size of the slot table.
func (m *Manager) Slots() int {
	return len(m.slots)
}

// Acquire reserves a slot for a session.
func (m *Manager) Acquire() (int, error) {
	for i := range m.slots {
		if m.slots[i].inUse.CompareAndSwap(false, true) {
			m.slots[i].local.Store(unprotected)
			return i, nil
		}
	}
	return -1, ErrNoFreeSlot
}

// Release returns a slot to the table. An outstanding protection is dropped.
func (m *Manager) Release(id int) {
	s := &m.slots[id]
	s.local.Store(unprotected)
	s.inUse.Store(false)
	if m.pending.Load() > 0 {
		m.Drain()
	}
}

// Protect enters the current epoch and returns it.
func (m *Manager) Protect(id int) uint64 {
	s := &m.slots[id]
	for {
		e := m.current.Load()
		s.local.Store(e)
		if m.current.Load() == e {
			return e
		}
	}
}

// Unprotect leaves the epoch.
func (m *Manager) Unprotect(id int) {
	m.slots[id].local.Store(unprotected)
}

// IsProtected reports whether the slot is inside an epoch.
func (m *Manager) IsProtected(id int) bool {
	return m.slots[id].local.Load() != unprotected
}

// ProtectAndDrain refreshes the slot to the current epoch and runs any
// deferred actions that became safe.
func (m *Manager) ProtectAndDrain(id int) uint64 {
	e := m.Protect(id)
	if m.pending.Load() > 0 {
		m.Drain()
	}
	return e
}

// Current returns the global epoch.
func (m *Manager) Current() uint64 {
	return m.current.Load()
}

// SafeToReclaim recomputes and returns the largest epoch no slot still holds.
func (m *Manager) SafeToReclaim() uint64 {
	oldest := uint64(math.MaxUint64)
	for i := range m.slots {
		if e := m.slots[i].local.Load(); e != unprotected && e < oldest {
			oldest = e
		}
	}
	if cur := m.current.Load(); oldest > cur {
		oldest = cur
	}
	safe := oldest - 1
	for {
		prev := m.safe.Load()
		if prev >= safe || m.safe.CompareAndSwap(prev, safe) {
			break
		}
	}
	return m.safe.Load()
}

// BumpCurrentEpoch increments the global epoch and returns the prior value.
func (m *Manager) BumpCurrentEpoch() uint64 {
	prior := m.current.Add(1) - 1
	if m.pending.Load() > 0 {
		m.Drain()
	}
	return prior
}

// BumpWith increments the epoch and schedules fn for when the prior epoch
// is safe, that is once every session has observed the new one.
func (m *Manager) BumpWith(fn func()) uint64 {
	prior := m.current.Add(1) - 1
	m.WhenSafe(prior, fn)
	return prior
}

// WhenSafe runs fn once epoch e is safe. If it already is, fn runs now.
func (m *Manager) WhenSafe(e uint64, fn func()) {
	if m.SafeToReclaim() >= e {
		fn()
		return
	}
	m.mu.Lock()
	m.actions = append(m.actions, action{epoch: e, fn: fn})
	m.pending.Add(1)
	m.mu.Unlock()
	m.Drain()
}

// Drain runs every deferred action whose epoch is safe.
func (m *Manager) Drain() {
	safe := m.SafeToReclaim()

	m.mu.Lock()
	var ready []func()
	kept := m.actions[:0]
	for _, a := range m.actions {
		if a.epoch <= safe {
			ready = append(ready, a.fn)
		} else {
			kept = append(kept, a)
		}
	}
	for i := len(kept); i < len(m.actions); i++ {
		m.actions[i] = action{}
	}
	m.actions = kept
	m.pending.Add(-int64(len(ready)))
	m.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// Pending returns the number of deferred actions not yet run.
func (m *Manager) Pending() int {
	return int(m.pending.Load())
}

// WaitSafe drains until epoch e is safe. The caller must not hold a slot
// protected at or below e.
func (m *Manager) WaitSafe(ctx context.Context, e uint64) error {
	for spins := 0; ; spins++ {
		m.Drain()
		if m.SafeToReclaim() >= e {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// WaitIdle drains until no deferred action is left.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for spins := 0; m.pending.Load() > 0; spins++ {
		m.Drain()
		if err := ctx.Err(); err != nil {
			return err
		}
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
	return nil
}
