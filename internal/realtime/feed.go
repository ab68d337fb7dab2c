// Package realtime keeps a local collection in sync with committed changes
// made by other sessions.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atoms-tech/atoms-collab/internal/cache"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/repository"
)

// Selecter is the read side of the durable store used for reconciliation.
type Selecter interface {
	Select(ctx context.Context, table model.Table, f model.Filter) ([]model.Record, error)
}

// Outcome describes what Apply did with an event.
type Outcome int

// Apply outcomes.
const (
	Applied Outcome = iota
	SkippedSelf
	SkippedStale
	SkippedForeign
	Resynced
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case SkippedSelf:
		return "skipped_self"
	case SkippedStale:
		return "skipped_stale"
	case SkippedForeign:
		return "skipped_foreign"
	case Resynced:
		return "resynced"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Feed applies the change stream of one sibling set to a cache collection.
// It is a cache-invalidation signal, not a delivery log: after any gap it
// refetches the whole collection.
type Feed struct {
	watcher  repository.Watcher
	store    Selecter
	coll     *cache.Collection
	clientID string
	log      *zap.Logger
	backoff  time.Duration
	onChange func(Outcome, model.ChangeEvent)
}

// Option configures a Feed.
type Option func(*Feed)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(f *Feed) { f.log = l } }

// WithBackoff sets the delay before re-subscribing after the stream ends.
func WithBackoff(d time.Duration) Option { return func(f *Feed) { f.backoff = d } }

// OnChange registers a hook called after every handled event.
func OnChange(fn func(Outcome, model.ChangeEvent)) Option {
	return func(f *Feed) { f.onChange = fn }
}

// NewFeed builds a feed for coll. Events written by clientID are ignored since
// the local session already applied them.
func NewFeed(w repository.Watcher, s Selecter, coll *cache.Collection, clientID string, opts ...Option) *Feed {
	f := &Feed{watcher: w, store: s, coll: coll, clientID: clientID, log: zap.NewNop(), backoff: time.Second}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Feed) filter() model.Filter { return model.Filter{ParentID: f.coll.Parent()} }

// Refetch replaces the collection with the authoritative state.
func (f *Feed) Refetch(ctx context.Context) error {
	recs, err := f.store.Select(ctx, f.coll.Table(), f.filter())
	if err != nil {
		return fmt.Errorf("refetch %s: %w", f.coll.Table(), err)
	}
	f.coll.Replace(recs)
	return nil
}

// Apply handles one event.
func (f *Feed) Apply(ctx context.Context, ev model.ChangeEvent) (Outcome, error) {
	out, err := f.apply(ctx, ev)
	if f.onChange != nil && err == nil {
		f.onChange(out, ev)
	}
	return out, err
}

func (f *Feed) apply(ctx context.Context, ev model.ChangeEvent) (Outcome, error) {
	if ev.Type == model.ChangeResync {
		if err := f.Refetch(ctx); err != nil {
			return Resynced, fmt.Errorf("%w: %v", errs.ErrDesync, err)
		}
		return Resynced, nil
	}
	if !repository.Matches(ev, f.coll.Table(), f.filter()) {
		return SkippedForeign, nil
	}
	if f.clientID != "" && ev.ClientID == f.clientID {
		return SkippedSelf, nil
	}
	if ev.Type == model.ChangeDelete || ev.Record.Deleted {
		// soft deletes arrive as updates carrying the flag
		f.coll.Remove(ev.Record.ID)
		return Applied, nil
	}
	if !f.coll.Merge(ev.Record) {
		return SkippedStale, nil
	}
	return Applied, nil
}

// Run subscribes, loads the initial state and applies events until ctx ends.
// When the stream closes or a resync fails it re-subscribes and refetches.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, errs.ErrDesync) {
			f.log.Warn("realtime feed interrupted",
				zap.String("table", string(f.coll.Table())), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.backoff):
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	w, err := f.watcher.Watch(ctx, f.coll.Table(), f.filter())
	if err != nil {
		return err
	}
	defer w.Unsubscribe()

	// Subscribe first, then fetch, so nothing committed in between is missed.
	if err := f.Refetch(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events():
			if !ok {
				return errs.ErrDesync
			}
			out, err := f.Apply(ctx, ev)
			if err != nil {
				return err
			}
			f.log.Debug("realtime event",
				zap.String("table", string(ev.Table)),
				zap.String("type", string(ev.Type)),
				zap.String("outcome", out.String()),
			)
		}
	}
}
