package memstore

import (
	"context"
	"time"

	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/repository"
)

const watchBuffer = 256

type subscriber struct {
	table  model.Table
	filter model.Filter
	ch     chan model.ChangeEvent
}

// Watch subscribes to committed changes of one sibling set. Events are
// delivered in commit order; when the subscriber falls behind, the oldest
// queued event is dropped to make room for a RESYNC.
func (s *Store) Watch(ctx context.Context, table model.Table, f model.Filter) (*repository.Watch, error) {
	if !table.Valid() {
		return nil, errInvalidTable(table)
	}
	sub := &subscriber{table: table, filter: f, ch: make(chan model.ChangeEvent, watchBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	done := make(chan struct{})
	stop := func() {
		s.mu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
		s.mu.Unlock()
		close(done)
	}
	w := repository.NewWatch(sub.ch, stop)
	go func() {
		select {
		case <-ctx.Done():
			w.Unsubscribe()
		case <-done:
		}
	}()
	return w, nil
}

// DropConnections simulates a transport drop: every subscriber gets a RESYNC.
func (s *Store) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for sub := range s.subs {
		resyncLocked(sub, now)
	}
}

func (s *Store) emitLocked(typ model.ChangeType, rec model.Record, at time.Time) {
	ev := model.ChangeEvent{Type: typ, Table: rec.Table, Record: rec, ClientID: rec.ClientID, CommitAt: at}
	for sub := range s.subs {
		if !repository.Matches(ev, sub.table, sub.filter) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			resyncLocked(sub, at)
		}
	}
}

// resyncLocked queues a RESYNC, evicting the oldest event if the queue is full.
func resyncLocked(sub *subscriber, at time.Time) {
	msg := model.ChangeEvent{Type: model.ChangeResync, Table: sub.table, CommitAt: at}
	select {
	case sub.ch <- msg:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- msg:
	default:
	}
}
