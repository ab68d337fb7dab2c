// Package lock implements advisory, lease-based entity locks for collaborative editing.
//
// Locks are not an authorization mechanism: they keep cooperating clients from
// starting simultaneous edits, while the durable store's version check remains
// the backstop against lost updates.
package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

// DefaultLease is the fixed lock lifetime. Re-acquiring is the only way to extend it.
const DefaultLease = 5 * time.Minute

// Manager holds the locks of one document.
type Manager struct {
	mu    sync.Mutex
	locks map[string]model.EntityLock
	lease time.Duration
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLease overrides the lease duration.
func WithLease(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs an empty lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{locks: make(map[string]model.EntityLock), lease: DefaultLease, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire installs a lock for userID. It succeeds when the entity is free, the
// previous lock expired, or userID already holds it (the lease restarts).
func (m *Manager) Acquire(entityID, userID, userName string, lockType model.LockType) bool {
	if entityID == "" || userID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[entityID]; ok && cur.ActiveAt(now) && cur.OwnerUserID != userID {
		return false
	}
	m.locks[entityID] = model.EntityLock{
		EntityID:         entityID,
		OwnerUserID:      userID,
		OwnerDisplayName: userName,
		LockType:         lockType,
		AcquiredAt:       now,
		ExpiresAt:        now.Add(m.lease),
	}
	return true
}

// Release removes the lock if userID owns it; otherwise it does nothing.
func (m *Manager) Release(entityID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[entityID]; ok && cur.OwnerUserID == userID {
		delete(m.locks, entityID)
	}
}

// ReleaseAll drops every lock owned by userID and returns the released entity ids.
func (m *Manager) ReleaseAll(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, l := range m.locks {
		if l.OwnerUserID == userID {
			delete(m.locks, id)
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsLocked reports whether a non-expired lock exists.
func (m *Manager) IsLocked(entityID string) bool {
	_, ok := m.Holder(entityID)
	return ok
}

// IsLockedBy reports whether userID holds a non-expired lock on the entity.
func (m *Manager) IsLockedBy(entityID, userID string) bool {
	l, ok := m.Holder(entityID)
	return ok && l.OwnerUserID == userID
}

// Holder returns the active lock on the entity. Expired records are treated as absent.
func (m *Manager) Holder(entityID string) (model.EntityLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[entityID]
	if !ok || !l.ActiveAt(m.now()) {
		return model.EntityLock{}, false
	}
	return l, true
}

// Active lists all active locks ordered by entity id.
func (m *Manager) Active() []model.EntityLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]model.EntityLock, 0, len(m.locks))
	for _, l := range m.locks {
		if l.ActiveAt(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Prune deletes expired records and returns how many were removed.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, l := range m.locks {
		if !l.ActiveAt(now) {
			delete(m.locks, id)
			n++
		}
	}
	return n
}
