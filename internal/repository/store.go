// Package repository defines the durable store boundary implemented by concrete backends.
package repository

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

// Store is the generic document/row store the mutation pipeline writes to.
// Positions inside a sibling set are kept dense (0..n-1) by every structural write.
type Store interface {
	// Select returns the sibling set ordered by position.
	Select(ctx context.Context, table model.Table, f model.Filter) ([]model.Record, error)

	// Get loads a single row, soft-deleted rows included.
	Get(ctx context.Context, table model.Table, id uuid.UUID) (model.Record, error)

	// Insert creates a row at rec.Position (clamped to the end of the set) and
	// returns it with the server-assigned id, version and timestamps.
	Insert(ctx context.Context, rec model.Record) (model.Record, error)

	// Update merges data into the row if its version still equals baseVer.
	Update(ctx context.Context, table model.Table, id uuid.UUID, baseVer int64, data map[string]any, clientID string) (model.Record, error)

	// SoftDelete flags the row (and, for blocks, its columns and requirements) as deleted.
	SoftDelete(ctx context.Context, table model.Table, id uuid.UUID, actor, clientID string) (model.Record, error)

	// Reorder assigns position i to ids[i]. ids must list the whole live sibling set.
	Reorder(ctx context.Context, table model.Table, parentID uuid.UUID, ids []uuid.UUID, clientID string) ([]model.Record, error)
}

// Watcher delivers committed changes for one sibling set.
type Watcher interface {
	Watch(ctx context.Context, table model.Table, f model.Filter) (*Watch, error)
}

// Watch is a cancelable stream of change events.
type Watch struct {
	events <-chan model.ChangeEvent
	stop   func()
	once   sync.Once
}

// NewWatch wraps an event channel and the function that tears it down.
func NewWatch(events <-chan model.ChangeEvent, stop func()) *Watch {
	return &Watch{events: events, stop: stop}
}

// Events is closed after Unsubscribe or when the underlying source ends.
func (w *Watch) Events() <-chan model.ChangeEvent { return w.events }

// Unsubscribe stops delivery. It is safe to call more than once.
func (w *Watch) Unsubscribe() {
	w.once.Do(func() {
		if w.stop != nil {
			w.stop()
		}
	})
}

// Matches reports whether ev belongs to the watched table and sibling set.
func Matches(ev model.ChangeEvent, table model.Table, f model.Filter) bool {
	if ev.Type == model.ChangeResync {
		return ev.Table == "" || ev.Table == table
	}
	return ev.Table == table && ev.Record.ParentID == f.ParentID
}
