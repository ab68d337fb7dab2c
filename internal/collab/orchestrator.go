// Package collab composes locks, presence, broadcast and pending edits into
// the operations a document editor consumes.
package collab

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atoms-tech/atoms-collab/internal/broadcast"
	"github.com/atoms-tech/atoms-collab/internal/cache"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/lock"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/mutation"
	"github.com/atoms-tech/atoms-collab/internal/optimistic"
	"github.com/atoms-tech/atoms-collab/internal/presence"
	"github.com/atoms-tech/atoms-collab/internal/realtime"
	"github.com/atoms-tech/atoms-collab/internal/repository"
)

// Deps are the shared collaborators of one document.
type Deps struct {
	Locks    *lock.Manager
	Presence *presence.Store
	Sessions *SessionSet
	Hub      *broadcast.Hub
	Store    repository.Store
	Watcher  repository.Watcher
	Logger   *zap.Logger
	Now      func() time.Time
}

// Orchestrator is one session's view of one document. An orchestrator built
// without a document id is inert: every call is a no-op and nothing is acquired.
type Orchestrator struct {
	docID   string
	session model.Session
	deps    Deps
	pending *optimistic.Store
	sub     *broadcast.Subscription
	log     *zap.Logger
}

// New builds an orchestrator for docID on behalf of session.
func New(docID string, session model.Session, deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	o := &Orchestrator{docID: docID, session: session, deps: deps, log: deps.Logger}
	if o.Inert() {
		return o
	}
	if o.deps.Locks == nil {
		o.deps.Locks = lock.NewManager(lock.WithClock(deps.Now))
	}
	if o.deps.Presence == nil {
		o.deps.Presence = presence.NewStore(deps.Now)
	}
	if o.deps.Sessions == nil {
		o.deps.Sessions = NewSessionSet()
	}
	o.pending = optimistic.NewStore(deps.Now)
	o.log = deps.Logger.With(zap.String("document", docID), zap.String("user", session.UserID))
	return o
}

// Inert reports whether the orchestrator has no document.
func (o *Orchestrator) Inert() bool { return o.docID == "" }

// DocumentID returns the document the orchestrator is scoped to.
func (o *Orchestrator) DocumentID() string { return o.docID }

// Session returns the editing session.
func (o *Orchestrator) Session() model.Session { return o.session }

// Announce attaches the session and adds its user to the presence set.
func (o *Orchestrator) Announce() {
	if o.Inert() {
		return
	}
	o.deps.Sessions.Add(o.session)
	o.deps.Presence.AddActiveUser(model.UserPresence{
		UserID: o.session.UserID, DisplayName: o.session.DisplayName,
		LastActiveAt: o.deps.Now(), IsActive: true,
	})
}

// Join announces the session and subscribes to broadcasts.
func (o *Orchestrator) Join() {
	if o.Inert() {
		return
	}
	o.Announce()
	if o.deps.Hub != nil && o.sub == nil {
		o.sub = o.deps.Hub.Subscribe(o.docID, o.session.ClientID, broadcast.DefaultBuffer)
	}
	o.log.Debug("joined document")
}

// Leave detaches the session from broadcasts. When it was the user's last
// session on the document, the user's locks are released and their presence
// is dropped; other tabs of the same user keep both.
func (o *Orchestrator) Leave() {
	if o.Inert() {
		return
	}
	if o.sub != nil {
		o.sub.Close()
		o.sub = nil
	}
	if !o.deps.Sessions.Remove(o.session) {
		o.log.Debug("left document", zap.Int("other_sessions", o.deps.Sessions.Count(o.session.UserID)))
		return
	}
	released := o.deps.Locks.ReleaseAll(o.session.UserID)
	o.deps.Presence.RemoveActiveUser(o.session.UserID)
	o.log.Debug("left document", zap.Int("released_locks", len(released)))
}

// Close is Leave.
func (o *Orchestrator) Close() { o.Leave() }

// Touch refreshes the user's activity timestamp.
func (o *Orchestrator) Touch() {
	if o.Inert() {
		return
	}
	o.deps.Presence.Touch(o.session.UserID)
}

// Messages streams broadcasts from other sessions. Nil before Join or when inert.
func (o *Orchestrator) Messages() <-chan broadcast.Message {
	if o.sub == nil {
		return nil
	}
	return o.sub.C()
}

// UpdateCursor stores the cursor and tells the other viewers.
func (o *Orchestrator) UpdateCursor(pos model.CursorPosition) {
	if o.Inert() {
		return
	}
	o.deps.Presence.UpdateCursorPosition(o.session.UserID, pos)
	o.publish(broadcast.NewCursorMove(o.session.UserID, pos.BlockID, pos.RowID, pos.ColumnID, o.deps.Now()))
}

// PreviewCell broadcasts a not-yet-saved cell value for live typing previews.
func (o *Orchestrator) PreviewCell(blockID, rowID, columnID string, value any) {
	if o.Inert() {
		return
	}
	o.publish(broadcast.NewCellUpdate(o.session.UserID, blockID, rowID, columnID, value, o.deps.Now()))
}

func (o *Orchestrator) publish(msg broadcast.Message) {
	if o.deps.Hub == nil {
		return
	}
	o.deps.Hub.Publish(o.docID, o.session.ClientID, msg)
}

// AcquireEntityLock takes or extends the lock on an entity for this user.
func (o *Orchestrator) AcquireEntityLock(entityID string, lockType model.LockType) bool {
	if o.Inert() || entityID == "" || !lockType.Valid() {
		return false
	}
	return o.deps.Locks.Acquire(entityID, o.session.UserID, o.session.DisplayName, lockType)
}

// RefreshEntityLock extends a lock the user already holds. It never takes a
// lock the user does not have.
func (o *Orchestrator) RefreshEntityLock(entityID string) bool {
	if o.Inert() {
		return false
	}
	l, ok := o.deps.Locks.Holder(entityID)
	if !ok || l.OwnerUserID != o.session.UserID {
		return false
	}
	return o.deps.Locks.Acquire(entityID, o.session.UserID, o.session.DisplayName, l.LockType)
}

// ReleaseEntityLock drops the user's lock on an entity.
func (o *Orchestrator) ReleaseEntityLock(entityID string) {
	if o.Inert() {
		return
	}
	o.deps.Locks.Release(entityID, o.session.UserID)
}

// Holder returns the active lock on an entity. It lets the orchestrator guard
// mutation pipelines.
func (o *Orchestrator) Holder(entityID string) (model.EntityLock, bool) {
	if o.Inert() {
		return model.EntityLock{}, false
	}
	return o.deps.Locks.Holder(entityID)
}

// IsEditable reports whether the user may edit the entity right now.
func (o *Orchestrator) IsEditable(entityID string) bool {
	l, ok := o.Holder(entityID)
	return !o.Inert() && (!ok || l.OwnerUserID == o.session.UserID)
}

// StartEditing locks the entity and marks the user as typing. When someone
// else holds the lock it returns a *errs.LockConflictError naming them.
func (o *Orchestrator) StartEditing(entityID string, lockType model.LockType) error {
	if o.Inert() {
		return errs.ErrInert
	}
	if !lockType.Valid() {
		return errs.Validationf("unknown lock type %q", lockType)
	}
	if !o.AcquireEntityLock(entityID, lockType) {
		if l, ok := o.deps.Locks.Holder(entityID); ok {
			return &errs.LockConflictError{EntityID: entityID, HolderID: l.OwnerUserID, HolderName: l.OwnerDisplayName}
		}
		// lease lapsed between the two calls
		if !o.AcquireEntityLock(entityID, lockType) {
			return &errs.LockConflictError{EntityID: entityID}
		}
	}
	typing := true
	o.deps.Presence.UpdateActiveUser(o.session.UserID, presence.Patch{Typing: &typing})
	o.Touch()
	return nil
}

// StopEditing releases the entity and clears the typing flag.
func (o *Orchestrator) StopEditing(entityID string) {
	if o.Inert() {
		return
	}
	o.ReleaseEntityLock(entityID)
	typing := false
	o.deps.Presence.UpdateActiveUser(o.session.UserID, presence.Patch{Typing: &typing})
}

// Pending exposes the session's in-flight cell edits. Nil when inert.
func (o *Orchestrator) Pending() *optimistic.Store { return o.pending }

// CellValue is what the editor renders for a cell: the latest pending edit if
// any, else the durable value.
func (o *Orchestrator) CellValue(rowID, propertyID string, durable any) any {
	if o.pending == nil {
		return durable
	}
	return o.pending.Value(rowID, propertyID, durable)
}

// Pipeline builds a mutation pipeline for one collection of this document,
// guarded by its locks and feeding its pending store.
func (o *Orchestrator) Pipeline(coll *cache.Collection, opts ...mutation.Option) *mutation.Pipeline {
	base := []mutation.Option{
		mutation.WithLocks(o),
		mutation.WithLogger(o.log),
		mutation.WithClock(o.deps.Now),
	}
	if o.pending != nil {
		base = append(base, mutation.WithPending(o.pending))
	}
	return mutation.New(o.deps.Store, coll, o.session, append(base, opts...)...)
}

// Feed builds a realtime feed keeping coll in sync with other sessions' writes.
func (o *Orchestrator) Feed(coll *cache.Collection, opts ...realtime.Option) *realtime.Feed {
	base := []realtime.Option{realtime.WithLogger(o.log)}
	return realtime.NewFeed(o.deps.Watcher, o.deps.Store, coll, o.session.ClientID, append(base, opts...)...)
}

// Sync loads coll and keeps it current until ctx is done.
func (o *Orchestrator) Sync(ctx context.Context, coll *cache.Collection, opts ...realtime.Option) error {
	if o.Inert() {
		return errs.ErrInert
	}
	return o.Feed(coll, opts...).Run(ctx)
}
