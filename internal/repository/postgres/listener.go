package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/repository"
)

// NotifyChannel is the LISTEN/NOTIFY channel the change trigger publishes on.
const NotifyChannel = "atoms_changes"

// NotifyConn is the subset of *pgx.Conn the listener needs.
type NotifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a dedicated listening connection.
type Dialer func(ctx context.Context) (NotifyConn, error)

// PgxDialer dials with pgx.Connect.
func PgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (NotifyConn, error) {
		return pgx.Connect(ctx, dsn)
	}
}

// notification is the trigger payload. Row data is fetched separately since
// NOTIFY payloads are limited to 8000 bytes.
type notification struct {
	Op       string    `json:"op"`
	Table    string    `json:"table"`
	ID       uuid.UUID `json:"id"`
	ParentID uuid.UUID `json:"parent_id"`
	Ver      int64     `json:"ver"`
	ClientID string    `json:"client_id"`
}

type watcher struct {
	table  model.Table
	filter model.Filter
	ch     chan model.ChangeEvent
}

// Listener turns NOTIFY messages into change events for registered watches.
// It reconnects with exponential backoff and emits a RESYNC to every watch
// after a reconnect, since notifications sent while disconnected are lost.
type Listener struct {
	dial    Dialer
	store   *Store
	log     *zap.Logger
	backoff time.Duration
	maxWait time.Duration

	mu   sync.Mutex
	subs map[*watcher]struct{}
}

// NewListener builds a listener and attaches it to the store as its watcher.
func NewListener(dial Dialer, store *Store, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Listener{
		dial: dial, store: store, log: log,
		backoff: 200 * time.Millisecond, maxWait: 10 * time.Second,
		subs: make(map[*watcher]struct{}),
	}
	store.listener = l
	return l
}

// Watch implements repository.Watcher through the store's listener.
func (s *Store) Watch(ctx context.Context, table model.Table, f model.Filter) (*repository.Watch, error) {
	if s.listener == nil {
		return nil, errors.New("postgres: no listener attached")
	}
	return s.listener.Watch(ctx, table, f)
}

// Watch registers a subscription for one sibling set.
func (l *Listener) Watch(ctx context.Context, table model.Table, f model.Filter) (*repository.Watch, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	w := &watcher{table: table, filter: f, ch: make(chan model.ChangeEvent, 256)}
	l.mu.Lock()
	l.subs[w] = struct{}{}
	l.mu.Unlock()

	done := make(chan struct{})
	stop := func() {
		l.mu.Lock()
		if _, ok := l.subs[w]; ok {
			delete(l.subs, w)
			close(w.ch)
		}
		l.mu.Unlock()
		close(done)
	}
	watch := repository.NewWatch(w.ch, stop)
	go func() {
		select {
		case <-ctx.Done():
			watch.Unsubscribe()
		case <-done:
		}
	}()
	return watch, nil
}

// Run listens until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	wait := l.backoff
	first := true
	for {
		err := l.session(ctx, !first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false
		l.log.Warn("listener disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > l.maxWait {
			wait = l.maxWait
		}
	}
}

func (l *Listener) session(ctx context.Context, reconnect bool) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	if reconnect {
		l.broadcast(model.ChangeEvent{Type: model.ChangeResync, CommitAt: time.Now()})
	}
	l.log.Info("listening", zap.String("channel", NotifyChannel))
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(ctx, n.Payload)
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.log.Warn("bad notification", zap.Error(err))
		return
	}
	table := model.Table(n.Table)
	if !table.Valid() || !l.interested(table, n.ParentID) {
		return
	}
	rec, err := l.store.Get(ctx, table, n.ID)
	if err != nil {
		// Row state is unknown; let watchers refetch instead of guessing.
		l.log.Warn("fetch changed row", zap.String("table", n.Table), zap.Error(err))
		l.broadcast(model.ChangeEvent{Type: model.ChangeResync, Table: table, CommitAt: time.Now()})
		return
	}
	typ := model.ChangeType(n.Op)
	if typ != model.ChangeInsert && typ != model.ChangeDelete {
		typ = model.ChangeUpdate
	}
	l.broadcast(model.ChangeEvent{
		Type: typ, Table: table, Record: rec, ClientID: rec.ClientID, CommitAt: rec.UpdatedAt,
	})
}

func (l *Listener) interested(table model.Table, parent uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for w := range l.subs {
		if w.table == table && w.filter.ParentID == parent {
			return true
		}
	}
	return false
}

func (l *Listener) broadcast(ev model.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for w := range l.subs {
		if !repository.Matches(ev, w.table, w.filter) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			// Full queue: drain one slot for a RESYNC so the loss is never silent.
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- model.ChangeEvent{Type: model.ChangeResync, Table: w.table, CommitAt: ev.CommitAt}:
			default:
			}
		}
	}
}
