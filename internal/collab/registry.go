package collab

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atoms-tech/atoms-collab/internal/broadcast"
	"github.com/atoms-tech/atoms-collab/internal/lock"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/presence"
	"github.com/atoms-tech/atoms-collab/internal/repository"
)

// Room is the state shared by every session on one document.
type Room struct {
	Locks    *lock.Manager
	Presence *presence.Store
	Sessions *SessionSet

	handedOut bool // returned by Room since the last sweep; guarded by Registry.mu
}

func (room *Room) idle() bool {
	return len(room.Presence.Snapshot()) == 0 && len(room.Locks.Active()) == 0 && room.Sessions.Len() == 0
}

// Registry hands out per-document rooms so that every session of a server
// process sees the same locks and presence.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	hub     *broadcast.Hub
	store   repository.Store
	watcher repository.Watcher
	lease   time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLease overrides the lock lease of new rooms.
func WithLease(d time.Duration) RegistryOption { return func(r *Registry) { r.lease = d } }

// WithClock injects the time source.
func WithClock(now func() time.Time) RegistryOption { return func(r *Registry) { r.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RegistryOption { return func(r *Registry) { r.log = l } }

// WithWatcher sets the change stream used by realtime feeds.
func WithWatcher(w repository.Watcher) RegistryOption { return func(r *Registry) { r.watcher = w } }

// NewRegistry builds a registry over a durable store and a broadcast hub.
func NewRegistry(store repository.Store, hub *broadcast.Hub, opts ...RegistryOption) *Registry {
	r := &Registry{
		rooms: make(map[string]*Room),
		hub:   hub,
		store: store,
		lease: lock.DefaultLease,
		now:   time.Now,
		log:   zap.NewNop(),
	}
	if w, ok := store.(repository.Watcher); ok {
		r.watcher = w
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Hub returns the broadcast hub.
func (r *Registry) Hub() *broadcast.Hub { return r.hub }

// Store returns the durable store.
func (r *Registry) Store() repository.Store { return r.store }

// Room returns the shared state of docID, creating it on first use.
func (r *Registry) Room(docID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[docID]
	if !ok {
		room = &Room{
			Locks:    lock.NewManager(lock.WithLease(r.lease), lock.WithClock(r.now)),
			Presence: presence.NewStore(r.now),
			Sessions: NewSessionSet(),
		}
		r.rooms[docID] = room
	}
	room.handedOut = true
	return room
}

// Open builds an orchestrator for session on docID. An empty docID yields an
// inert orchestrator and creates no room.
func (r *Registry) Open(docID string, session model.Session) *Orchestrator {
	deps := Deps{Hub: r.hub, Store: r.store, Watcher: r.watcher, Logger: r.log, Now: r.now}
	if docID != "" {
		room := r.Room(docID)
		deps.Locks, deps.Presence, deps.Sessions = room.Locks, room.Presence, room.Sessions
	}
	return New(docID, session, deps)
}

// Documents lists the documents that have a room.
func (r *Registry) Documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sweep evicts users idle for longer than threshold, releases their locks and
// prunes expired lock records. Rooms left empty are dropped, except those
// handed out since the previous sweep, which a caller may be about to use.
// It returns the number of evicted users.
func (r *Registry) Sweep(threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for docID, room := range r.rooms {
		for _, userID := range room.Presence.InactiveUsers(threshold) {
			room.Locks.ReleaseAll(userID)
			room.Presence.RemoveActiveUser(userID)
			room.Sessions.Drop(userID)
			evicted++
		}
		room.Locks.Prune()
		recent := room.handedOut
		room.handedOut = false
		if !recent && room.idle() && (r.hub == nil || r.hub.Subscribers(docID) == 0) {
			delete(r.rooms, docID)
		}
	}
	if evicted > 0 {
		r.log.Info("evicted idle users", zap.Int("count", evicted))
	}
	return evicted
}
