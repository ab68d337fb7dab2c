// Package mutation performs create, update, delete and reorder operations
// against the durable store with optimistic local application and rollback.
//
// Every mutation moves through idle -> optimistic-applied -> persisting ->
// committed | rolled-back. Failures roll back only what the mutation itself
// changed locally, never a newer copy merged from the realtime feed, and are
// returned to the caller.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/atoms-tech/atoms-collab/internal/cache"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/optimistic"
	"github.com/atoms-tech/atoms-collab/internal/repository"
	"github.com/atoms-tech/atoms-collab/internal/schema"
)

// State is a mutation lifecycle state.
type State string

// Mutation states.
const (
	StateIdle              State = "idle"
	StateOptimisticApplied State = "optimistic-applied"
	StatePersisting        State = "persisting"
	StateCommitted         State = "committed"
	StateRolledBack        State = "rolled-back"
)

// Kind is the mutation operation.
type Kind string

// Mutation kinds.
const (
	KindCreate  Kind = "create"
	KindUpdate  Kind = "update"
	KindDelete  Kind = "delete"
	KindReorder Kind = "reorder"
)

// Mutation is the observable record of one operation.
type Mutation struct {
	ID       string
	Kind     Kind
	Table    model.Table
	EntityID uuid.UUID
	State    State
	Retried  bool
	Err      error
	Started  time.Time
}

// LockChecker exposes the active lock on an entity. *lock.Manager implements it.
type LockChecker interface {
	Holder(entityID string) (model.EntityLock, bool)
}

// SchemaFunc returns the property schema the rows of this collection must follow.
type SchemaFunc func(ctx context.Context) (schema.Schema, error)

// Pipeline mutates one sibling collection on behalf of one session.
type Pipeline struct {
	store   repository.Store
	coll    *cache.Collection
	session model.Session
	locks   LockChecker
	pending *optimistic.Store
	schema  SchemaFunc
	log     *zap.Logger
	now     func() time.Time
	observe func(Mutation)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLocks makes every mutation fail fast when another user holds the entity.
func WithLocks(l LockChecker) Option { return func(p *Pipeline) { p.locks = l } }

// WithPending routes property edits through an optimistic store.
func WithPending(s *optimistic.Store) Option { return func(p *Pipeline) { p.pending = s } }

// WithSchema validates requirement properties before any write.
func WithSchema(fn SchemaFunc) Option { return func(p *Pipeline) { p.schema = fn } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithObserver receives every state transition.
func WithObserver(fn func(Mutation)) Option { return func(p *Pipeline) { p.observe = fn } }

// New builds a pipeline writing coll's sibling set through store as session.
func New(store repository.Store, coll *cache.Collection, session model.Session, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, coll: coll, session: session, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Collection returns the cache this pipeline writes into.
func (p *Pipeline) Collection() *cache.Collection { return p.coll }

func (p *Pipeline) begin(kind Kind, id uuid.UUID) *Mutation {
	m := &Mutation{
		ID: ulid.Make().String(), Kind: kind, Table: p.coll.Table(), EntityID: id,
		State: StateIdle, Started: p.now(),
	}
	p.emit(m)
	return m
}

func (p *Pipeline) to(m *Mutation, st State) {
	m.State = st
	p.emit(m)
}

func (p *Pipeline) fail(m *Mutation, err error) error {
	m.Err = err
	p.to(m, StateRolledBack)
	p.log.Warn("mutation rolled back",
		zap.String("mutation", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("table", string(m.Table)),
		zap.String("entity", m.EntityID.String()),
		zap.Error(err),
	)
	return err
}

func (p *Pipeline) emit(m *Mutation) {
	if p.observe != nil {
		p.observe(*m)
	}
}

// guard refuses to start when another user holds the entity or its parent.
func (p *Pipeline) guard(ids ...uuid.UUID) error {
	if p.locks == nil {
		return nil
	}
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		l, ok := p.locks.Holder(id.String())
		if ok && l.OwnerUserID != p.session.UserID {
			return &errs.LockConflictError{EntityID: id.String(), HolderID: l.OwnerUserID, HolderName: l.OwnerDisplayName}
		}
	}
	return nil
}

// Create inserts a row at position (negative means at the end).
func (p *Pipeline) Create(ctx context.Context, data map[string]any, position int) (model.Record, error) {
	if err := p.guard(p.coll.Parent()); err != nil {
		return model.Record{}, err
	}
	tmpID, err := uuid.NewV4()
	if err != nil {
		return model.Record{}, err
	}
	m := p.begin(KindCreate, tmpID)

	n := len(p.coll.List())
	if position < 0 || position > n {
		position = n
	}
	now := p.now()
	tmp := model.Record{
		ID: tmpID, Table: p.coll.Table(), ParentID: p.coll.Parent(), Position: position,
		Data: data, ClientID: p.session.ClientID, CreatedAt: now, UpdatedAt: now,
	}
	p.coll.PutLocal(tmp)
	p.to(m, StateOptimisticApplied)

	p.to(m, StatePersisting)
	rec, err := p.store.Insert(ctx, tmp)
	if err != nil {
		p.coll.Remove(tmpID)
		p.reconcile(ctx)
		return model.Record{}, p.fail(m, fmt.Errorf("create %s: %w", m.Table, err))
	}
	p.coll.Swap(tmpID, rec)
	m.EntityID = rec.ID
	p.to(m, StateCommitted)

	if position < n {
		p.reconcile(ctx)
	}
	return rec, nil
}

// Update merges data into a row. A version conflict is retried once against the fresh row.
func (p *Pipeline) Update(ctx context.Context, id uuid.UUID, data map[string]any) (model.Record, error) {
	if err := p.guard(id, p.coll.Parent()); err != nil {
		return model.Record{}, err
	}
	return p.update(ctx, id, func(model.Record) map[string]any { return data })
}

// patchFunc derives the data to write from the row it is applied to, so a
// retry after a version conflict rebuilds nested values from the fresh row.
type patchFunc func(base model.Record) map[string]any

func (p *Pipeline) update(ctx context.Context, id uuid.UUID, build patchFunc) (model.Record, error) {
	m := p.begin(KindUpdate, id)
	cur, ok := p.coll.Get(id)
	if !ok {
		return model.Record{}, p.fail(m, errs.ErrNotFound)
	}
	if p.coll.IsLocal(id) {
		return model.Record{}, p.fail(m, errs.Validationf("row %s is not saved yet", id))
	}

	data := build(cur)
	next := cur.Clone()
	if next.Data == nil {
		next.Data = map[string]any{}
	}
	for k, v := range data {
		next.Data[k] = v
	}
	p.coll.Set(next)
	p.to(m, StateOptimisticApplied)

	p.to(m, StatePersisting)
	rec, err := p.store.Update(ctx, p.coll.Table(), id, cur.Ver, data, p.session.ClientID)
	if errors.Is(err, errs.ErrVersionConflict) {
		m.Retried = true
		rec, err = p.retryUpdate(ctx, id, build)
	}
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			p.coll.Remove(id)
		} else {
			p.coll.Revert(cur)
		}
		return model.Record{}, p.fail(m, fmt.Errorf("update %s: %w", m.Table, err))
	}
	p.coll.Merge(rec)
	p.to(m, StateCommitted)
	return rec, nil
}

// retryUpdate reapplies the patch on top of the current durable row.
func (p *Pipeline) retryUpdate(ctx context.Context, id uuid.UUID, build patchFunc) (model.Record, error) {
	fresh, err := p.store.Get(ctx, p.coll.Table(), id)
	if err != nil {
		return model.Record{}, err
	}
	if fresh.Deleted {
		return model.Record{}, errs.ErrNotFound
	}
	p.log.Info("retrying update after version conflict",
		zap.String("table", string(p.coll.Table())),
		zap.String("entity", id.String()),
		zap.Int64("ver", fresh.Ver),
	)
	return p.store.Update(ctx, p.coll.Table(), id, fresh.Ver, build(fresh), p.session.ClientID)
}

// Delete soft-deletes a row. Blocks take their columns and requirements with them.
func (p *Pipeline) Delete(ctx context.Context, id uuid.UUID) (model.Record, error) {
	if err := p.guard(id, p.coll.Parent()); err != nil {
		return model.Record{}, err
	}
	m := p.begin(KindDelete, id)
	victim, ok := p.coll.Get(id)
	if !ok {
		return model.Record{}, p.fail(m, errs.ErrNotFound)
	}
	p.coll.Remove(id)
	p.to(m, StateOptimisticApplied)

	p.to(m, StatePersisting)
	rec, err := p.store.SoftDelete(ctx, p.coll.Table(), id, p.session.UserID, p.session.ClientID)
	if err != nil {
		p.coll.Reinsert(victim)
		p.reconcile(ctx)
		return model.Record{}, p.fail(m, fmt.Errorf("delete %s: %w", m.Table, err))
	}
	p.to(m, StateCommitted)
	p.reconcile(ctx)
	return rec, nil
}

// Reorder assigns position i to ids[i]. The new order is shown at once and
// reverted if the store rejects it.
func (p *Pipeline) Reorder(ctx context.Context, ids []uuid.UUID) ([]model.Record, error) {
	if err := p.guard(p.coll.Parent()); err != nil {
		return nil, err
	}
	m := p.begin(KindReorder, p.coll.Parent())
	if err := sameSet(p.coll.IDs(), ids); err != nil {
		return nil, p.fail(m, err)
	}
	before := p.coll.List()
	p.coll.ApplyOrder(ids)
	p.to(m, StateOptimisticApplied)

	p.to(m, StatePersisting)
	recs, err := p.store.Reorder(ctx, p.coll.Table(), p.coll.Parent(), ids, p.session.ClientID)
	if err != nil {
		p.coll.RevertOrder(before)
		p.reconcile(ctx)
		return nil, p.fail(m, fmt.Errorf("reorder %s: %w", m.Table, err))
	}
	p.coll.Replace(recs)
	p.to(m, StateCommitted)
	return recs, nil
}

// Refresh reloads the collection from the store.
func (p *Pipeline) Refresh(ctx context.Context) error {
	recs, err := p.store.Select(ctx, p.coll.Table(), model.Filter{ParentID: p.coll.Parent()})
	if err != nil {
		return err
	}
	p.coll.Replace(recs)
	return nil
}

// reconcile pulls the authoritative order after structural writes, which may
// have shifted sibling positions and versions server-side. It also runs after
// a failed structural write, so it ignores the caller's cancellation.
func (p *Pipeline) reconcile(ctx context.Context) {
	if err := p.Refresh(context.WithoutCancel(ctx)); err != nil {
		p.log.Warn("reconcile after mutation", zap.String("table", string(p.coll.Table())), zap.Error(err))
	}
}

func sameSet(have, want []uuid.UUID) error {
	if len(have) != len(want) {
		return fmt.Errorf("%w: %d ids for %d rows", errs.ErrStaleReorder, len(want), len(have))
	}
	idx := make(map[uuid.UUID]bool, len(have))
	for _, id := range have {
		idx[id] = true
	}
	for _, id := range want {
		if !idx[id] {
			return fmt.Errorf("%w: unknown or repeated id %s", errs.ErrStaleReorder, id)
		}
		delete(idx, id)
	}
	return nil
}
