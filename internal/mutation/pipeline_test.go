package mutation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/atoms-collab/internal/cache"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/lock"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/optimistic"
	"github.com/atoms-tech/atoms-collab/internal/repository/memstore"
	"github.com/atoms-tech/atoms-collab/internal/schema"
)

var errBoom = errors.New("boom")

var alice = model.Session{UserID: "u-alice", DisplayName: "Alice", ClientID: "c-alice"}

func setup(t *testing.T, n int, opts ...Option) (*memstore.Store, *Pipeline) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	parent := uuid.Must(uuid.NewV4())
	for i := 0; i < n; i++ {
		_, err := st.Insert(ctx, model.Record{
			Table: model.TableRequirements, ParentID: parent, Position: -1,
			Data: map[string]any{model.KeyName: "r", model.KeyProperties: map[string]any{"p1": "x"}},
		})
		require.NoError(t, err)
	}
	p := New(st, cache.New(model.TableRequirements, parent), alice, opts...)
	require.NoError(t, p.Refresh(ctx))
	return st, p
}

func positions(rs []model.Record) []int {
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = r.Position
	}
	return out
}

func failOn(op memstore.Op) memstore.FaultFunc {
	return func(o memstore.Op, _ model.Table, _ uuid.UUID) error {
		if o == op {
			return errBoom
		}
		return nil
	}
}

func TestCreate_CommitsAndKeepsDensePositions(t *testing.T) {
	t.Parallel()
	var states []State
	st, p := setup(t, 3, WithObserver(func(m Mutation) { states = append(states, m.State) }))

	rec, err := p.Create(context.Background(), map[string]any{model.KeyName: "mid"}, 1)
	require.NoError(t, err)
	require.Equal(t, []State{StateIdle, StateOptimisticApplied, StatePersisting, StateCommitted}, states)

	got := p.Collection().List()
	require.Equal(t, []int{0, 1, 2, 3}, positions(got))
	require.Equal(t, rec.ID, got[1].ID)
	require.False(t, p.Collection().IsLocal(rec.ID))

	durable, err := st.Select(context.Background(), model.TableRequirements, model.Filter{ParentID: p.Collection().Parent()})
	require.NoError(t, err)
	require.Len(t, durable, 4)
	require.Equal(t, alice.ClientID, durable[1].ClientID)
}

func TestCreate_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	st, p := setup(t, 2)
	before := p.Collection().List()
	st.SetFault(failOn(memstore.OpInsert))

	var last Mutation
	p.observe = func(m Mutation) { last = m }
	_, err := p.Create(context.Background(), map[string]any{model.KeyName: "x"}, 0)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, StateRolledBack, last.State)
	require.Equal(t, before, p.Collection().List())
}

func TestUpdate_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	st, p := setup(t, 1)
	row := p.Collection().List()[0]
	st.SetFault(failOn(memstore.OpUpdate))

	_, err := p.Update(context.Background(), row.ID, map[string]any{model.KeyName: "changed"})
	require.ErrorIs(t, err, errBoom)
	got, ok := p.Collection().Get(row.ID)
	require.True(t, ok)
	require.Equal(t, "r", got.Data[model.KeyName])
}

func TestUpdate_RetriesOnceOnVersionConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, p := setup(t, 1)
	row := p.Collection().List()[0]

	// someone else wins the race; the cache still has ver 1
	_, err := st.Update(ctx, model.TableRequirements, row.ID, row.Ver, map[string]any{model.KeyDescription: "theirs"}, "c-bob")
	require.NoError(t, err)

	var retried bool
	p.observe = func(m Mutation) { retried = retried || m.Retried }
	rec, err := p.Update(ctx, row.ID, map[string]any{model.KeyName: "mine"})
	require.NoError(t, err)
	require.True(t, retried)
	require.Equal(t, int64(3), rec.Ver)
	require.Equal(t, "mine", rec.Data[model.KeyName])
	require.Equal(t, "theirs", rec.Data[model.KeyDescription])
}

func TestUpdate_SecondConflictSurfaces(t *testing.T) {
	t.Parallel()
	st, p := setup(t, 1)
	row := p.Collection().List()[0]
	st.SetFault(func(op memstore.Op, _ model.Table, _ uuid.UUID) error {
		if op == memstore.OpUpdate {
			return errs.ErrVersionConflict
		}
		return nil
	})

	_, err := p.Update(context.Background(), row.ID, map[string]any{model.KeyName: "x"})
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	got, _ := p.Collection().Get(row.ID)
	require.Equal(t, "r", got.Data[model.KeyName])
}

func TestLockedEntity_NeverAttempted(t *testing.T) {
	t.Parallel()
	locks := lock.NewManager()
	st, p := setup(t, 1, WithLocks(locks))
	row := p.Collection().List()[0]
	require.True(t, locks.Acquire(row.ID.String(), "u-bob", "Bob", model.LockRequirement))

	attempted := false
	st.SetFault(func(memstore.Op, model.Table, uuid.UUID) error { attempted = true; return nil })

	_, err := p.Update(context.Background(), row.ID, map[string]any{model.KeyName: "x"})
	var lc *errs.LockConflictError
	require.ErrorAs(t, err, &lc)
	require.ErrorIs(t, err, errs.ErrLocked)
	require.Equal(t, "Bob", lc.HolderName)
	require.False(t, attempted)

	// own lock does not block
	locks.Release(row.ID.String(), "u-bob")
	require.True(t, locks.Acquire(row.ID.String(), alice.UserID, alice.DisplayName, model.LockRequirement))
	_, err = p.Update(context.Background(), row.ID, map[string]any{model.KeyName: "x"})
	require.NoError(t, err)
}

func TestDelete_SoftDeletesAndCloses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, p := setup(t, 3)
	victim := p.Collection().List()[1]

	rec, err := p.Delete(ctx, victim.ID)
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	require.NotNil(t, rec.DeletedAt)
	require.Equal(t, alice.UserID, rec.DeletedBy)

	require.Equal(t, []int{0, 1}, positions(p.Collection().List()))
	kept, err := st.Get(ctx, model.TableRequirements, victim.ID)
	require.NoError(t, err)
	require.True(t, kept.Deleted)
}

func TestDelete_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	st, p := setup(t, 3)
	before := p.Collection().List()
	st.SetFault(failOn(memstore.OpSoftDelete))

	_, err := p.Delete(context.Background(), before[0].ID)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, before, p.Collection().List())
}

// peerEditDuring fails op after a newer peer copy of row has been merged
// into the cache, the way the realtime feed does while a write is in flight.
func peerEditDuring(op memstore.Op, coll *cache.Collection, row model.Record) memstore.FaultFunc {
	return func(o memstore.Op, _ model.Table, _ uuid.UUID) error {
		if o != op {
			return nil
		}
		peer := row.Clone()
		peer.Ver = row.Ver + 1
		peer.ClientID = "c-bob"
		peer.Data[model.KeyName] = "peer-edit"
		coll.Merge(peer)
		return errBoom
	}
}

func TestRollback_KeepsPeerChangesMergedMeanwhile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("update", func(t *testing.T) {
		st, p := setup(t, 2)
		row := p.Collection().List()[0]
		st.SetFault(peerEditDuring(memstore.OpUpdate, p.Collection(), row))

		_, err := p.Update(ctx, row.ID, map[string]any{model.KeyName: "mine"})
		require.ErrorIs(t, err, errBoom)
		got, ok := p.Collection().Get(row.ID)
		require.True(t, ok)
		require.Equal(t, row.Ver+1, got.Ver)
		require.Equal(t, "peer-edit", got.Data[model.KeyName])
	})

	t.Run("delete", func(t *testing.T) {
		st, p := setup(t, 3)
		rows := p.Collection().List()
		st.SetFault(peerEditDuring(memstore.OpSoftDelete, p.Collection(), rows[1]))

		_, err := p.Delete(ctx, rows[1].ID)
		require.ErrorIs(t, err, errBoom)
		got, ok := p.Collection().Get(rows[1].ID)
		require.True(t, ok)
		require.Equal(t, rows[1].Ver+1, got.Ver)
		require.Equal(t, "peer-edit", got.Data[model.KeyName])
		require.Len(t, p.Collection().List(), 3)
	})

	t.Run("reorder", func(t *testing.T) {
		st, p := setup(t, 3)
		rows := p.Collection().List()
		st.SetFault(peerEditDuring(memstore.OpReorder, p.Collection(), rows[2]))

		_, err := p.Reorder(ctx, []uuid.UUID{rows[2].ID, rows[1].ID, rows[0].ID})
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, []uuid.UUID{rows[0].ID, rows[1].ID, rows[2].ID}, p.Collection().IDs())
		got, _ := p.Collection().Get(rows[2].ID)
		require.Equal(t, "peer-edit", got.Data[model.KeyName])
	})
}

func TestReorder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("dense result", func(t *testing.T) {
		_, p := setup(t, 4)
		ids := p.Collection().IDs()
		want := []uuid.UUID{ids[3], ids[1], ids[0], ids[2]}
		recs, err := p.Reorder(ctx, want)
		require.NoError(t, err)
		require.Equal(t, []int{0, 1, 2, 3}, positions(recs))
		require.Equal(t, want, p.Collection().IDs())
	})

	t.Run("failure reverts whole order", func(t *testing.T) {
		st, p := setup(t, 3)
		ids := p.Collection().IDs()
		st.SetFault(failOn(memstore.OpReorder))
		_, err := p.Reorder(ctx, []uuid.UUID{ids[2], ids[1], ids[0]})
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, ids, p.Collection().IDs())
	})

	t.Run("wrong set is stale", func(t *testing.T) {
		_, p := setup(t, 3)
		ids := p.Collection().IDs()
		_, err := p.Reorder(ctx, ids[:2])
		require.ErrorIs(t, err, errs.ErrStaleReorder)
	})
}

func TestUpdateProperty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sch := schema.Schema{"p1": {ID: "p1", Name: "Owner", Type: model.PropText}, "p2": {ID: "p2", Name: "Effort", Type: model.PropNumber}}
	schemaFn := func(context.Context) (schema.Schema, error) { return sch, nil }

	t.Run("property bag keeps siblings", func(t *testing.T) {
		pending := optimistic.NewStore(nil)
		_, p := setup(t, 1, WithSchema(schemaFn), WithPending(pending))
		row := p.Collection().List()[0]

		rec, err := p.UpdateProperty(ctx, row.ID, "p2", 3.0)
		require.NoError(t, err)
		props := rec.Data[model.KeyProperties].(map[string]any)
		require.Equal(t, "x", props["p1"])
		require.Equal(t, 3.0, props["p2"])
		require.False(t, pending.HasRowPending(row.ID.String()))
		require.Empty(t, pending.List(), "successful edits do not accumulate")
	})

	t.Run("native field", func(t *testing.T) {
		_, p := setup(t, 1, WithSchema(schemaFn))
		row := p.Collection().List()[0]
		rec, err := p.UpdateProperty(ctx, row.ID, model.KeyStatus, string(model.StatusApproved))
		require.NoError(t, err)
		require.Equal(t, string(model.StatusApproved), rec.Data[model.KeyStatus])

		_, err = p.UpdateProperty(ctx, row.ID, model.KeyStatus, "shipped")
		require.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("invalid value never written", func(t *testing.T) {
		st, p := setup(t, 1, WithSchema(schemaFn))
		row := p.Collection().List()[0]
		st.SetFault(failOn(memstore.OpUpdate))
		_, err := p.UpdateProperty(ctx, row.ID, "p2", "lots")
		require.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("failed write marks pending change", func(t *testing.T) {
		pending := optimistic.NewStore(func() time.Time { return time.Unix(0, 0) })
		st, p := setup(t, 1, WithSchema(schemaFn), WithPending(pending))
		row := p.Collection().List()[0]
		st.SetFault(failOn(memstore.OpUpdate))

		_, err := p.UpdateProperty(ctx, row.ID, "p1", "y")
		require.Error(t, err)
		list := pending.List()
		require.Len(t, list, 1)
		require.Equal(t, model.ChangeError, list[0].Status)
		require.Contains(t, list[0].ErrorMessage, "boom")
	})
}

func TestCreateRequirement_Validates(t *testing.T) {
	t.Parallel()
	_, p := setup(t, 0)
	_, err := p.CreateRequirement(context.Background(), model.Requirement{Name: "R", Priority: "urgent"}, -1)
	require.ErrorIs(t, err, errs.ErrValidation)

	q, err := p.CreateRequirement(context.Background(), model.Requirement{Name: "R", Priority: model.PriorityHigh}, -1)
	require.NoError(t, err)
	require.Equal(t, "R", q.Name)
	require.NotEqual(t, uuid.Nil, q.ID)
}
