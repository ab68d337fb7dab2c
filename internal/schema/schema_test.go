package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
)

func testSchema() Schema {
	return FromColumns([]model.Column{
		{Property: model.Property{ID: "title", Type: model.PropText}},
		{Property: model.Property{ID: "effort", Type: model.PropNumber}},
		{Property: model.Property{ID: "status", Type: model.PropSelect, Options: []string{"todo", "in_progress", "done"}}},
		{Property: model.Property{ID: "tags", Type: model.PropMultiSelect, Options: []string{"a", "b"}}},
		{Property: model.Property{ID: "due", Type: model.PropDate}},
		{Property: model.Property{ID: "ok", Type: model.PropCheckbox}},
		{Property: model.Property{ID: "link", Type: model.PropURL}},
		{Property: model.Property{ID: "mail", Type: model.PropEmail}},
	})
}

func TestSchema_Validate_Accepts(t *testing.T) {
	t.Parallel()
	s := testSchema()
	good := map[string]any{
		"title":  "Brake latency",
		"effort": 3.5,
		"status": "in_progress",
		"tags":   []any{"a", "b"},
		"due":    "2026-10-15",
		"ok":     true,
		"link":   "https://example.com/x",
		"mail":   "eng@example.com",
	}
	require.NoError(t, s.ValidateAll(good))
	require.NoError(t, s.Validate("status", nil))
}

func TestSchema_Validate_Rejects(t *testing.T) {
	t.Parallel()
	s := testSchema()
	cases := map[string]any{
		"title":  12,
		"effort": "three",
		"status": "blocked",
		"tags":   []any{"a", 1},
		"due":    "yesterday",
		"ok":     "yes",
		"link":   "not a url",
		"mail":   "nope",
	}
	for id, v := range cases {
		err := s.Validate(id, v)
		require.ErrorIs(t, err, errs.ErrValidation, "property %s", id)
	}
	require.ErrorIs(t, s.Validate("missing", "x"), errs.ErrValidation)
}

func TestNativeFields(t *testing.T) {
	t.Parallel()
	require.True(t, IsNative(model.KeyStatus))
	require.True(t, IsNative(model.KeyName))
	require.False(t, IsNative("effort"))

	require.NoError(t, ValidateNative(model.KeyStatus, "in_progress"))
	require.ErrorIs(t, ValidateNative(model.KeyStatus, "blocked"), errs.ErrValidation)
	require.ErrorIs(t, ValidateNative(model.KeyPriority, 3), errs.ErrValidation)
	require.NoError(t, ValidateNative(model.KeyName, "anything"))

	s := testSchema()
	q := model.Requirement{Status: model.StatusTodo, Priority: model.PriorityHigh,
		Properties: map[string]any{"effort": 2.0}}
	require.NoError(t, s.ValidateRequirement(q))
	q.Properties["unknown"] = 1
	require.ErrorIs(t, s.ValidateRequirement(q), errs.ErrValidation)
}
