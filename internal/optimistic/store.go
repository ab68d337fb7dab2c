// Package optimistic buffers in-flight cell edits so they can be displayed
// before the durable write confirms them.
package optimistic

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

type cellKey struct{ row, prop string }

// Store holds pending changes for one editing session.
type Store struct {
	mu       sync.RWMutex
	changes  map[string]*model.PendingChange
	latest   map[cellKey]string // cell -> id of its authoritative pending change
	rowCount map[string]int     // row -> number of pending changes
	now      func() time.Time
}

// NewStore constructs an empty store. A nil clock means time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		changes:  make(map[string]*model.PendingChange),
		latest:   make(map[cellKey]string),
		rowCount: make(map[string]int),
		now:      now,
	}
}

// Add records a new pending value for the cell, superseding any older pending one.
func (s *Store) Add(rowID, propertyID string, value any) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := cellKey{rowID, propertyID}
	if prev, ok := s.latest[k]; ok {
		s.dropLocked(prev)
	}
	id := ulid.Make().String()
	s.changes[id] = &model.PendingChange{
		ID:         id,
		RowID:      rowID,
		PropertyID: propertyID,
		Value:      value,
		Timestamp:  s.now(),
		Status:     model.ChangePending,
	}
	s.latest[k] = id
	s.rowCount[rowID]++
	return id
}

// Value returns the pending value for the cell, or current when none is in flight.
func (s *Store) Value(rowID, propertyID string, current any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.latest[cellKey{rowID, propertyID}]; ok {
		return s.changes[id].Value
	}
	return current
}

// Pending reports whether the cell has an in-flight value and returns it.
func (s *Store) Pending(rowID, propertyID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[cellKey{rowID, propertyID}]
	if !ok {
		return nil, false
	}
	return s.changes[id].Value, true
}

// MarkSuccess moves a change to success; it stops being served as the cell value.
func (s *Store) MarkSuccess(id string) {
	s.settle(id, model.ChangeSuccess, "")
}

// MarkError moves a change to error. It is kept (with its message) until reset or cleared.
func (s *Store) MarkError(id, msg string) {
	s.settle(id, model.ChangeError, msg)
}

func (s *Store) settle(id string, st model.ChangeStatus, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[id]
	if !ok || c.Status != model.ChangePending {
		return
	}
	s.unindexLocked(c)
	c.Status = st
	c.ErrorMessage = msg
}

// Reset puts an errored change back into pending for a retry. It returns false
// (and discards the change) when a newer pending edit for the same cell exists.
func (s *Store) Reset(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[id]
	if !ok || c.Status != model.ChangeError {
		return false
	}
	k := cellKey{c.RowID, c.PropertyID}
	if _, busy := s.latest[k]; busy {
		delete(s.changes, id)
		return false
	}
	c.Status = model.ChangePending
	c.ErrorMessage = ""
	c.Timestamp = s.now()
	s.latest[k] = id
	s.rowCount[c.RowID]++
	return true
}

// Discard forgets a change regardless of its state.
func (s *Store) Discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(id)
}

// Get returns a copy of the change.
func (s *Store) Get(id string) (model.PendingChange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.changes[id]
	if !ok {
		return model.PendingChange{}, false
	}
	return *c, true
}

// HasRowPending reports whether any cell of the row has an in-flight save.
func (s *Store) HasRowPending(rowID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rowCount[rowID] > 0
}

// ClearResolved prunes every non-pending change and returns how many were dropped.
func (s *Store) ClearResolved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.changes {
		if c.Status != model.ChangePending {
			delete(s.changes, id)
			n++
		}
	}
	return n
}

// List returns all tracked changes ordered by timestamp.
func (s *Store) List() []model.PendingChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PendingChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (s *Store) dropLocked(id string) {
	c, ok := s.changes[id]
	if !ok {
		return
	}
	if c.Status == model.ChangePending {
		s.unindexLocked(c)
	}
	delete(s.changes, id)
}

func (s *Store) unindexLocked(c *model.PendingChange) {
	k := cellKey{c.RowID, c.PropertyID}
	if s.latest[k] == c.ID {
		delete(s.latest, k)
	}
	if s.rowCount[c.RowID] <= 1 {
		delete(s.rowCount, c.RowID)
	} else {
		s.rowCount[c.RowID]--
	}
}
