// Package presence tracks who is viewing a document, where their cursor is and whether they are typing.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

// Patch is a partial presence update; nil fields are left untouched.
type Patch struct {
	DisplayName  *string
	AvatarURL    *string
	IsActive     *bool
	Typing       *bool
	LastActiveAt *time.Time
}

// Store holds the presence set of one document.
//
// The user list is copy-on-write: Snapshot hands out the current slice and
// every effective change installs a new one and bumps Version.
type Store struct {
	mu      sync.RWMutex
	users   []model.UserPresence // sorted by UserID
	focus   map[string]model.FocusedCell
	version uint64
	now     func() time.Time
}

// NewStore constructs an empty presence store. A nil clock means time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{focus: make(map[string]model.FocusedCell), now: now}
}

// Snapshot returns the current presence list. Callers must not modify it.
func (s *Store) Snapshot() []model.UserPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users
}

// Version increases on every effective change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetActiveUsers replaces the whole set. It is a no-op, returning false, when
// the new set is deep-equal to the current one.
func (s *Store) SetActiveUsers(users []model.UserPresence) bool {
	next := normalize(users)
	s.mu.Lock()
	defer s.mu.Unlock()
	if equalUsers(s.users, next) {
		return false
	}
	keep := make(map[string]model.FocusedCell, len(s.focus))
	for _, u := range next {
		if f, ok := s.focus[u.UserID]; ok {
			keep[u.UserID] = f
		}
	}
	s.focus = keep
	s.installLocked(next)
	return true
}

// AddActiveUser inserts or replaces the record for u.UserID.
func (s *Store) AddActiveUser(u model.UserPresence) {
	if u.UserID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.LastActiveAt.IsZero() {
		u.LastActiveAt = s.now()
	}
	next := s.copyLocked()
	if i, ok := find(next, u.UserID); ok {
		if equalUser(next[i], u) {
			return
		}
		next[i] = u
	} else {
		next = append(next, u)
		sort.Slice(next, func(a, b int) bool { return next[a].UserID < next[b].UserID })
	}
	s.installLocked(next)
}

// RemoveActiveUser drops the user's presence and focus.
func (s *Store) RemoveActiveUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := find(s.users, userID)
	if !ok {
		return
	}
	next := s.copyLocked()
	next = append(next[:i], next[i+1:]...)
	delete(s.focus, userID)
	s.installLocked(next)
}

// UpdateActiveUser merges p into the user's record. Unknown users are ignored.
func (s *Store) UpdateActiveUser(userID string, p Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := find(s.users, userID)
	if !ok {
		return false
	}
	u := s.users[i]
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.AvatarURL != nil {
		u.AvatarURL = *p.AvatarURL
	}
	if p.IsActive != nil {
		u.IsActive = *p.IsActive
	}
	if p.Typing != nil {
		u.Typing = *p.Typing
	}
	if p.LastActiveAt != nil {
		u.LastActiveAt = *p.LastActiveAt
	}
	if equalUser(s.users[i], u) {
		return true
	}
	next := s.copyLocked()
	next[i] = u
	s.installLocked(next)
	return true
}

// Touch marks the user active now.
func (s *Store) Touch(userID string) {
	now := s.now()
	active := true
	s.UpdateActiveUser(userID, Patch{LastActiveAt: &now, IsActive: &active})
}

// UpdateCursorPosition replaces the user's cursor and focused cell in one write.
func (s *Store) UpdateCursorPosition(userID string, pos model.CursorPosition) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyLocked()
	i, ok := find(next, userID)
	if !ok {
		next = append(next, model.UserPresence{UserID: userID})
		sort.Slice(next, func(a, b int) bool { return next[a].UserID < next[b].UserID })
		i, _ = find(next, userID)
	}
	p := pos
	next[i].Cursor = &p
	next[i].LastActiveAt = s.now()
	next[i].IsActive = true
	if pos.IsCell() {
		s.focus[userID] = model.FocusedCell{BlockID: pos.BlockID, RowID: pos.RowID, ColumnID: pos.ColumnID}
	} else {
		delete(s.focus, userID)
	}
	s.installLocked(next)
}

// Cursor returns the user's last cursor position.
func (s *Store) Cursor(userID string) (model.CursorPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := find(s.users, userID)
	if !ok || s.users[i].Cursor == nil {
		return model.CursorPosition{}, false
	}
	return *s.users[i].Cursor, true
}

// FocusedCell returns the cell the user is on.
func (s *Store) FocusedCell(userID string) (model.FocusedCell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.focus[userID]
	return f, ok
}

// InactiveUsers lists users whose last activity is older than threshold.
// Nothing is evicted; callers remove them with RemoveActiveUser.
func (s *Store) InactiveUsers(threshold time.Duration) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-threshold)
	var out []string
	for _, u := range s.users {
		if u.LastActiveAt.Before(cutoff) {
			out = append(out, u.UserID)
		}
	}
	return out
}

func (s *Store) copyLocked() []model.UserPresence {
	out := make([]model.UserPresence, len(s.users), len(s.users)+1)
	copy(out, s.users)
	return out
}

func (s *Store) installLocked(next []model.UserPresence) {
	s.users = next
	s.version++
}

func find(us []model.UserPresence, userID string) (int, bool) {
	i := sort.Search(len(us), func(i int) bool { return us[i].UserID >= userID })
	return i, i < len(us) && us[i].UserID == userID
}

// normalize dedupes by user id (last wins) and sorts.
func normalize(in []model.UserPresence) []model.UserPresence {
	byID := make(map[string]model.UserPresence, len(in))
	for _, u := range in {
		if u.UserID != "" {
			byID[u.UserID] = u
		}
	}
	out := make([]model.UserPresence, 0, len(byID))
	for _, u := range byID {
		out = append(out, u)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UserID < out[b].UserID })
	return out
}

func equalUsers(a, b []model.UserPresence) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalUser(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalUser(a, b model.UserPresence) bool {
	if a.UserID != b.UserID || a.DisplayName != b.DisplayName || a.AvatarURL != b.AvatarURL ||
		a.IsActive != b.IsActive || a.Typing != b.Typing || !a.LastActiveAt.Equal(b.LastActiveAt) {
		return false
	}
	switch {
	case a.Cursor == nil && b.Cursor == nil:
		return true
	case a.Cursor == nil || b.Cursor == nil:
		return false
	}
	return *a.Cursor == *b.Cursor
}
