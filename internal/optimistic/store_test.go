package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

func pendingFor(s *Store, row, prop string) int {
	n := 0
	for _, c := range s.List() {
		if c.RowID == row && c.PropertyID == prop && c.Status == model.ChangePending {
			n++
		}
	}
	return n
}

func TestStore_LatestPendingWins(t *testing.T) {
	t.Parallel()
	s := NewStore(nil)

	first := s.Add("r1", "status", "in_progress")
	second := s.Add("r1", "status", "done")
	require.NotEqual(t, first, second)

	require.Equal(t, "done", s.Value("r1", "status", "todo"))
	require.Equal(t, 1, pendingFor(s, "r1", "status"))
	_, ok := s.Get(first)
	require.False(t, ok, "superseded change must be removed")
}

func TestStore_FallbackToDurable(t *testing.T) {
	t.Parallel()
	s := NewStore(nil)
	durable := map[string]any{"k": 1}
	require.Equal(t, durable, s.Value("r1", "status", durable))

	s.Add("r2", "status", "x")
	require.Equal(t, "todo", s.Value("r1", "status", "todo"))
	require.Nil(t, s.Value("r1", "other", nil))
}

func TestStore_SuccessStopsServing(t *testing.T) {
	t.Parallel()
	s := NewStore(nil)
	id := s.Add("r1", "status", "in_progress")
	require.True(t, s.HasRowPending("r1"))

	s.MarkSuccess(id)
	require.False(t, s.HasRowPending("r1"))
	require.Equal(t, "in_progress", s.Value("r1", "status", "in_progress"))
	require.Equal(t, "todo", s.Value("r1", "status", "todo"))

	require.Equal(t, 1, s.ClearResolved())
	require.Empty(t, s.List())
}

func TestStore_ErrorRetainedAndReset(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	s := NewStore(func() time.Time { return now })

	id := s.Add("r1", "priority", "high")
	s.MarkError(id, "permission denied")

	c, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, model.ChangeError, c.Status)
	require.Equal(t, "permission denied", c.ErrorMessage)
	require.Equal(t, "low", s.Value("r1", "priority", "low"))

	require.True(t, s.Reset(id))
	require.Equal(t, "high", s.Value("r1", "priority", "low"))
	require.True(t, s.HasRowPending("r1"))
	require.False(t, s.Reset(id), "only errored changes can be reset")
}

func TestStore_ResetLosesToNewerEdit(t *testing.T) {
	t.Parallel()
	s := NewStore(nil)
	old := s.Add("r1", "status", "a")
	s.MarkError(old, "boom")
	s.Add("r1", "status", "b")

	require.False(t, s.Reset(old))
	_, ok := s.Get(old)
	require.False(t, ok)
	require.Equal(t, "b", s.Value("r1", "status", nil))
}

func TestStore_RowTrackingAcrossCells(t *testing.T) {
	t.Parallel()
	s := NewStore(nil)
	a := s.Add("r1", "a", 1)
	b := s.Add("r1", "b", 2)
	s.Add("r1", "a", 3)

	require.True(t, s.HasRowPending("r1"))
	s.MarkSuccess(b)
	require.True(t, s.HasRowPending("r1"))
	s.MarkSuccess(a) // already superseded, no effect
	require.True(t, s.HasRowPending("r1"))

	for _, c := range s.List() {
		if c.Status == model.ChangePending {
			s.Discard(c.ID)
		}
	}
	require.False(t, s.HasRowPending("r1"))
}
