package collab

import (
	"sync"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

// SessionSet tracks which client sessions of each user are attached to a
// document. A user's locks and presence belong to the document until the
// last of their sessions leaves.
type SessionSet struct {
	mu     sync.Mutex
	byUser map[string]map[string]struct{}
}

// NewSessionSet returns an empty set.
func NewSessionSet() *SessionSet {
	return &SessionSet{byUser: make(map[string]map[string]struct{})}
}

// Add attaches a session.
func (s *SessionSet) Add(sess model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byUser[sess.UserID]
	if !ok {
		m = make(map[string]struct{})
		s.byUser[sess.UserID] = m
	}
	m[sess.ClientID] = struct{}{}
}

// Remove detaches a session and reports whether the user has no session left.
func (s *SessionSet) Remove(sess model.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byUser[sess.UserID]
	delete(m, sess.ClientID)
	if len(m) > 0 {
		return false
	}
	delete(s.byUser, sess.UserID)
	return true
}

// Drop forgets every session of a user.
func (s *SessionSet) Drop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUser, userID)
}

// Count returns the number of attached sessions of a user.
func (s *SessionSet) Count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser[userID])
}

// Len returns the number of users with at least one session.
func (s *SessionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}
