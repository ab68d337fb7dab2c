// Package memstore is an in-memory implementation of the durable store with
// the same ordering, versioning and soft-delete semantics as the postgres one.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/repository"
)

// Op names a store operation for fault injection.
type Op string

// Store operations.
const (
	OpSelect     Op = "select"
	OpInsert     Op = "insert"
	OpUpdate     Op = "update"
	OpSoftDelete Op = "soft_delete"
	OpReorder    Op = "reorder"
)

// FaultFunc may fail an operation before it touches state.
type FaultFunc func(op Op, table model.Table, id uuid.UUID) error

// Store keeps every table in memory.
type Store struct {
	mu    sync.Mutex
	rows  map[model.Table]map[uuid.UUID]*model.Record
	subs  map[*subscriber]struct{}
	now   func() time.Time
	fault FaultFunc
}

var (
	_ repository.Store   = (*Store)(nil)
	_ repository.Watcher = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithFault installs a fault injector.
func WithFault(f FaultFunc) Option { return func(s *Store) { s.fault = f } }

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		rows: make(map[model.Table]map[uuid.UUID]*model.Record),
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetFault replaces the fault injector at runtime.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

func (s *Store) check(op Op, table model.Table, id uuid.UUID) error {
	if !table.Valid() {
		return errs.Validationf("unknown table %q", table)
	}
	if s.fault != nil {
		return s.fault(op, table, id)
	}
	return nil
}

func (s *Store) table(t model.Table) map[uuid.UUID]*model.Record {
	m, ok := s.rows[t]
	if !ok {
		m = make(map[uuid.UUID]*model.Record)
		s.rows[t] = m
	}
	return m
}

// siblingsLocked returns the live rows of a sibling set ordered by position.
func (s *Store) siblingsLocked(t model.Table, parent uuid.UUID) []*model.Record {
	var out []*model.Record
	for _, r := range s.table(t) {
		if r.ParentID == parent && !r.Deleted {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position == out[j].Position {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// Select returns the sibling set ordered by position.
func (s *Store) Select(_ context.Context, table model.Table, f model.Filter) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSelect, table, uuid.Nil); err != nil {
		return nil, err
	}
	out := make([]model.Record, 0)
	if f.IncludeDeleted {
		for _, r := range s.table(table) {
			if r.ParentID == f.ParentID {
				out = append(out, r.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Position == out[j].Position {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].Position < out[j].Position
		})
		return out, nil
	}
	for _, r := range s.siblingsLocked(table, f.ParentID) {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Get loads one row including soft-deleted ones.
func (s *Store) Get(_ context.Context, table model.Table, id uuid.UUID) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !table.Valid() {
		return model.Record{}, errs.Validationf("unknown table %q", table)
	}
	r, ok := s.table(table)[id]
	if !ok {
		return model.Record{}, errs.ErrNotFound
	}
	return r.Clone(), nil
}

// Insert creates a row and shifts the siblings at or after its position.
func (s *Store) Insert(_ context.Context, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpInsert, rec.Table, uuid.Nil); err != nil {
		return model.Record{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Record{}, err
	}
	now := s.now()
	sib := s.siblingsLocked(rec.Table, rec.ParentID)
	pos := rec.Position
	if pos < 0 || pos > len(sib) {
		pos = len(sib)
	}
	var changed []model.Record
	for _, r := range sib[pos:] {
		r.Position++
		r.Ver++
		r.ClientID = rec.ClientID
		r.UpdatedAt = now
		changed = append(changed, r.Clone())
	}

	row := rec.Clone()
	row.ID = id
	row.Position = pos
	row.Ver = 1
	row.Deleted, row.DeletedAt, row.DeletedBy = false, nil, ""
	row.CreatedAt, row.UpdatedAt = now, now
	if row.Data == nil {
		row.Data = map[string]any{}
	}
	s.table(rec.Table)[id] = &row

	s.emitLocked(model.ChangeInsert, row.Clone(), now)
	for _, r := range changed {
		s.emitLocked(model.ChangeUpdate, r, now)
	}
	return row.Clone(), nil
}

// Update merges data if the row version equals baseVer.
func (s *Store) Update(_ context.Context, table model.Table, id uuid.UUID, baseVer int64, data map[string]any, clientID string) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpUpdate, table, id); err != nil {
		return model.Record{}, err
	}
	r, ok := s.table(table)[id]
	if !ok || r.Deleted {
		return model.Record{}, errs.ErrNotFound
	}
	if r.Ver != baseVer {
		return model.Record{}, errs.ErrVersionConflict
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	for k, v := range data {
		r.Data[k] = v
	}
	now := s.now()
	r.Ver++
	r.ClientID = clientID
	r.UpdatedAt = now
	out := r.Clone()
	s.emitLocked(model.ChangeUpdate, out.Clone(), now)
	return out, nil
}

// SoftDelete flags the row, closes the position gap and cascades from blocks to their children.
func (s *Store) SoftDelete(_ context.Context, table model.Table, id uuid.UUID, actor, clientID string) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSoftDelete, table, id); err != nil {
		return model.Record{}, err
	}
	r, ok := s.table(table)[id]
	if !ok || r.Deleted {
		return model.Record{}, errs.ErrNotFound
	}
	now := s.now()
	mark := func(x *model.Record) {
		t := now
		x.Deleted = true
		x.DeletedAt = &t
		x.DeletedBy = actor
		x.Ver++
		x.ClientID = clientID
		x.UpdatedAt = now
	}
	pos := r.Position
	mark(r)
	out := r.Clone()
	s.emitLocked(model.ChangeUpdate, out.Clone(), now)

	for _, sib := range s.siblingsLocked(table, r.ParentID) {
		if sib.Position > pos {
			sib.Position--
			sib.Ver++
			sib.ClientID = clientID
			sib.UpdatedAt = now
			s.emitLocked(model.ChangeUpdate, sib.Clone(), now)
		}
	}
	if table == model.TableBlocks {
		for _, child := range []model.Table{model.TableColumns, model.TableRequirements} {
			for _, c := range s.siblingsLocked(child, id) {
				mark(c)
				s.emitLocked(model.ChangeUpdate, c.Clone(), now)
			}
		}
	}
	return out, nil
}

// Reorder applies the new order atomically or not at all.
func (s *Store) Reorder(_ context.Context, table model.Table, parentID uuid.UUID, ids []uuid.UUID, clientID string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpReorder, table, parentID); err != nil {
		return nil, err
	}
	sib := s.siblingsLocked(table, parentID)
	if len(sib) != len(ids) {
		return nil, errs.ErrStaleReorder
	}
	byID := make(map[uuid.UUID]*model.Record, len(sib))
	for _, r := range sib {
		byID[r.ID] = r
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if byID[id] == nil || seen[id] {
			return nil, errs.ErrStaleReorder
		}
		seen[id] = true
	}
	now := s.now()
	out := make([]model.Record, 0, len(ids))
	for i, id := range ids {
		r := byID[id]
		if r.Position != i {
			r.Position = i
			r.Ver++
			r.ClientID = clientID
			r.UpdatedAt = now
			s.emitLocked(model.ChangeUpdate, r.Clone(), now)
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func errInvalidTable(t model.Table) error { return errs.Validationf("unknown table %q", t) }
