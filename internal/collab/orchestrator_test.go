package collab

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/atoms-collab/internal/broadcast"
	"github.com/atoms-tech/atoms-collab/internal/cache"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/mutation"
	"github.com/atoms-tech/atoms-collab/internal/realtime"
	"github.com/atoms-tech/atoms-collab/internal/repository/memstore"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var (
	sessA = model.Session{UserID: "u-a", DisplayName: "Ada", ClientID: "c-a"}
	sessB = model.Session{UserID: "u-b", DisplayName: "Bo", ClientID: "c-b"}
)

func TestInertOrchestrator(t *testing.T) {
	t.Parallel()
	o := New("", sessA, Deps{})
	require.True(t, o.Inert())

	o.Join()
	o.UpdateCursor(model.CursorPosition{X: 1})
	o.PreviewCell("b", "r", "c", 1)
	o.Touch()
	o.ReleaseEntityLock("x")
	o.StopEditing("x")
	o.Leave()

	require.False(t, o.AcquireEntityLock("x", model.LockBlock))
	require.False(t, o.RefreshEntityLock("x"))
	require.ErrorIs(t, o.StartEditing("x", model.LockBlock), errs.ErrInert)
	require.Nil(t, o.Messages())
	require.Nil(t, o.Pending())
	require.Equal(t, "durable", o.CellValue("r", "p", "durable"))
	require.False(t, o.IsEditable("x"))
}

func TestStartEditing_ReportsHolder(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewRegistry(memstore.New(), broadcast.NewHub(nil), WithClock(clk.Now))
	a := reg.Open("doc", sessA)
	b := reg.Open("doc", sessB)
	a.Join()
	b.Join()

	require.NoError(t, a.StartEditing("r2", model.LockRequirement))
	err := b.StartEditing("r2", model.LockRequirement)
	var lc *errs.LockConflictError
	require.ErrorAs(t, err, &lc)
	require.Equal(t, "Ada", lc.HolderName)
	require.Contains(t, err.Error(), "Ada")
	require.False(t, b.IsEditable("r2"))
	require.True(t, a.IsEditable("r2"))

	// lease lapses without re-acquisition
	clk.Advance(5 * time.Minute)
	require.NoError(t, b.StartEditing("r2", model.LockRequirement))
	require.False(t, a.RefreshEntityLock("r2"))
}

func TestRefreshEntityLock_ExtendsLease(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewRegistry(memstore.New(), nil, WithClock(clk.Now))
	a := reg.Open("doc", sessA)
	b := reg.Open("doc", sessB)

	require.False(t, a.RefreshEntityLock("blk"), "refresh never takes a new lock")
	require.True(t, a.AcquireEntityLock("blk", model.LockBlock))
	clk.Advance(4 * time.Minute)
	require.True(t, a.RefreshEntityLock("blk"))
	clk.Advance(4 * time.Minute)
	require.False(t, b.AcquireEntityLock("blk", model.LockBlock))
}

func TestCursorAndPreviewBroadcast(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(memstore.New(), broadcast.NewHub(nil))
	a := reg.Open("doc", sessA)
	b := reg.Open("doc", sessB)
	a.Join()
	b.Join()

	a.UpdateCursor(model.CursorPosition{BlockID: "blk", RowID: "r1", ColumnID: "c1"})
	msg := <-b.Messages()
	require.Equal(t, broadcast.CursorMove, msg.Type)
	require.Equal(t, "u-a", msg.Payload.UserID)
	require.Equal(t, "r1", msg.Payload.RowID)

	cell, ok := reg.Room("doc").Presence.FocusedCell("u-a")
	require.True(t, ok)
	require.Equal(t, "c1", cell.ColumnID)

	a.PreviewCell("blk", "r1", "c1", "draft text")
	msg = <-b.Messages()
	require.Equal(t, broadcast.CellUpdate, msg.Type)
	require.Equal(t, "draft text", msg.Payload.Value)

	select {
	case m := <-a.Messages():
		t.Fatalf("own message echoed: %+v", m)
	default:
	}
}

func TestLeaveReleasesLocksAndPresence(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(memstore.New(), broadcast.NewHub(nil))
	a := reg.Open("doc", sessA)
	b := reg.Open("doc", sessB)
	a.Join()
	require.True(t, a.AcquireEntityLock("x", model.LockColumn))
	require.True(t, a.AcquireEntityLock("y", model.LockColumn))

	a.Leave()
	require.Empty(t, reg.Room("doc").Presence.Snapshot())
	require.True(t, b.AcquireEntityLock("x", model.LockColumn))
	require.Equal(t, 0, reg.Hub().Subscribers("doc"))
}

func TestLeave_OtherTabKeepsLocksAndPresence(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(memstore.New(), broadcast.NewHub(nil))
	tab1 := reg.Open("doc", sessB)
	tab2 := reg.Open("doc", model.Session{UserID: sessB.UserID, DisplayName: sessB.DisplayName, ClientID: "c-b-2"})
	a := reg.Open("doc", sessA)
	tab1.Join()
	tab2.Join()
	require.True(t, tab2.AcquireEntityLock("r2", model.LockRequirement))

	tab1.Leave()
	require.False(t, a.AcquireEntityLock("r2", model.LockRequirement), "tab2 still holds r2")
	users := reg.Room("doc").Presence.Snapshot()
	require.Len(t, users, 1)
	require.Equal(t, sessB.UserID, users[0].UserID)
	require.Equal(t, 1, reg.Room("doc").Sessions.Count(sessB.UserID))

	tab2.Leave()
	require.Empty(t, reg.Room("doc").Presence.Snapshot())
	require.True(t, a.AcquireEntityLock("r2", model.LockRequirement))
}

func TestRegistrySweep_KeepsRoomsHandedOutSinceLastSweep(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(memstore.New(), broadcast.NewHub(nil))

	o := reg.Open("doc", sessA)
	reg.Sweep(time.Minute)
	require.Equal(t, []string{"doc"}, reg.Documents(), "a room just opened survives one sweep")

	// a lock taken after that sweep lands in the registered room
	require.True(t, o.AcquireEntityLock("x", model.LockBlock))
	reg.Sweep(time.Minute)
	b := reg.Open("doc", sessB)
	require.False(t, b.AcquireEntityLock("x", model.LockBlock))

	o.ReleaseEntityLock("x")
	reg.Sweep(time.Minute)
	reg.Sweep(time.Minute)
	require.Empty(t, reg.Documents())
}

func TestRegistrySweep(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewRegistry(memstore.New(), broadcast.NewHub(nil), WithClock(clk.Now))
	a := reg.Open("doc", sessA)
	b := reg.Open("doc", sessB)
	a.Join()
	b.Join()
	require.True(t, a.AcquireEntityLock("x", model.LockBlock))

	clk.Advance(3 * time.Minute)
	b.Touch()
	clk.Advance(3 * time.Minute)

	require.Equal(t, 1, reg.Sweep(5*time.Minute))
	users := reg.Room("doc").Presence.Snapshot()
	require.Len(t, users, 1)
	require.Equal(t, "u-b", users[0].UserID)
	require.True(t, b.AcquireEntityLock("x", model.LockBlock))
}

// User A locks a block and moves a requirement to in_progress; user B sees
// the change through its realtime feed, then takes the lock once A lets go.
func TestScenario_EditPropagatesAndLockHandsOver(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memstore.New()
	blockID := uuid.Must(uuid.NewV4())
	r1, err := store.Insert(ctx, model.Requirement{BlockID: blockID, Name: "r1", Status: model.StatusTodo, Position: -1}.Record())
	require.NoError(t, err)

	reg := NewRegistry(store, broadcast.NewHub(nil))
	a := reg.Open("doc", sessA)
	b := reg.Open("doc", sessB)
	a.Join()
	b.Join()

	bColl := cache.New(model.TableRequirements, blockID)
	go func() { _ = b.Sync(ctx, bColl, realtime.WithBackoff(10*time.Millisecond)) }()
	require.Eventually(t, func() bool { _, ok := bColl.Get(r1.ID); return ok }, time.Second, 5*time.Millisecond)

	require.True(t, a.AcquireEntityLock(blockID.String(), model.LockBlock))

	aColl := cache.New(model.TableRequirements, blockID)
	var seenWhileSaving any
	p := a.Pipeline(aColl, mutation.WithObserver(func(m mutation.Mutation) {
		if m.State == mutation.StatePersisting {
			seenWhileSaving = a.CellValue(r1.ID.String(), model.KeyStatus, string(model.StatusTodo))
		}
	}))
	require.NoError(t, p.Refresh(ctx))

	_, err = p.UpdateProperty(ctx, r1.ID, model.KeyStatus, string(model.StatusInProgress))
	require.NoError(t, err)
	require.Equal(t, string(model.StatusInProgress), seenWhileSaving)
	require.False(t, a.Pending().HasRowPending(r1.ID.String()))
	require.Empty(t, a.Pending().List(), "settled edits are pruned")

	require.Eventually(t, func() bool {
		rec, ok := bColl.Get(r1.ID)
		return ok && rec.Data[model.KeyStatus] == string(model.StatusInProgress)
	}, time.Second, 5*time.Millisecond)

	require.False(t, b.AcquireEntityLock(blockID.String(), model.LockBlock))
	a.ReleaseEntityLock(blockID.String())
	require.True(t, b.AcquireEntityLock(blockID.String(), model.LockBlock))
}

// User B cannot write a requirement that user A is editing.
func TestScenario_LockedRowRejectsPeerWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	blockID := uuid.Must(uuid.NewV4())
	r2, err := store.Insert(ctx, model.Requirement{BlockID: blockID, Name: "r2", Position: -1}.Record())
	require.NoError(t, err)

	reg := NewRegistry(store, nil)
	a := reg.Open("doc", sessA)
	b := reg.Open("doc", sessB)
	require.NoError(t, a.StartEditing(r2.ID.String(), model.LockRequirement))

	p := b.Pipeline(cache.New(model.TableRequirements, blockID))
	require.NoError(t, p.Refresh(ctx))
	_, err = p.UpdateProperty(ctx, r2.ID, model.KeyName, "hijack")
	var lc *errs.LockConflictError
	require.ErrorAs(t, err, &lc)
	require.Equal(t, "Ada", lc.HolderName)

	got, err := store.Get(ctx, model.TableRequirements, r2.ID)
	require.NoError(t, err)
	require.Equal(t, "r2", got.Data[model.KeyName])
	require.Equal(t, int64(1), got.Ver)

	a.StopEditing(r2.ID.String())
	_, err = p.UpdateProperty(ctx, r2.ID, model.KeyName, "renamed")
	require.NoError(t, err)
}
