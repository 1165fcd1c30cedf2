// Package lock provides the in-process lock table that serializes jobs per
// target key.
//
// Keys are hierarchical: holding a bench key excludes every site key on that
// bench and the other way around. Acquire never blocks. Release is idempotent
// so crash recovery and the normal completion path may both release safely.
package lock

import (
	"sort"
	"sync"
	"time"

	"benchmate/internal/store"

	"github.com/google/uuid"
)

// Lock is a held key.
type Lock struct {
	Key        store.TargetKey
	Holder     uuid.UUID
	AcquiredAt time.Time
}

// Manager is a single-process lock table.
type Manager struct {
	mu   sync.Mutex
	held map[store.TargetKey]Lock
	now  func() time.Time
}

// NewManager creates an empty lock table.
func NewManager() *Manager {
	return &Manager{
		held: make(map[store.TargetKey]Lock),
		now:  time.Now,
	}
}

// Acquire takes key for holder. It returns false when key, or any key
// overlapping it, is held by another holder. Acquiring a key already held by
// the same holder succeeds without changing its acquisition time.
func (m *Manager) Acquire(key store.TargetKey, holder uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.held[key]; ok {
		return l.Holder == holder
	}
	for k, l := range m.held {
		if l.Holder != holder && k.Overlaps(key) {
			return false
		}
	}
	m.held[key] = Lock{Key: key, Holder: holder, AcquiredAt: m.now()}
	return true
}

// Release frees key if holder holds it. Anything else is a no-op.
// It reports whether a lock was actually released.
func (m *Manager) Release(key store.TargetKey, holder uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.held[key]
	if !ok || l.Holder != holder {
		return false
	}
	delete(m.held, key)
	return true
}

// ReleaseHolder frees every key held by holder and returns how many.
func (m *Manager) ReleaseHolder(holder uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, l := range m.held {
		if l.Holder == holder {
			delete(m.held, k)
			n++
		}
	}
	return n
}

// Holder returns the holder of key, if any.
func (m *Manager) Holder(key store.TargetKey) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.held[key]
	return l.Holder, ok
}

// Available reports whether key could be acquired by a new holder right now.
func (m *Manager) Available(key store.TargetKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.held {
		if k.Overlaps(key) {
			return false
		}
	}
	return true
}

// Snapshot returns the held locks ordered by key.
func (m *Manager) Snapshot() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.held))
	for _, l := range m.held {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Sweep releases every lock whose holder is no longer live and returns the
// released locks. live is called without the table mutex held.
func (m *Manager) Sweep(live func(holder uuid.UUID) bool) []Lock {
	var orphaned []Lock
	for _, l := range m.Snapshot() {
		if !live(l.Holder) {
			orphaned = append(orphaned, l)
		}
	}

	var released []Lock
	for _, l := range orphaned {
		if m.releaseIfSame(l) {
			released = append(released, l)
		}
	}
	return released
}

// releaseIfSame releases l only if it was not re-acquired since the snapshot.
func (m *Manager) releaseIfSame(l Lock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[l.Key]
	if !ok || cur.Holder != l.Holder || !cur.AcquiredAt.Equal(l.AcquiredAt) {
		return false
	}
	delete(m.held, l.Key)
	return true
}
