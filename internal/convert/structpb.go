// Package convert maps domain values to and from the google.protobuf.Struct
// bodies of the collaboration API.
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s *structpb.Struct, key string) (time.Time, error) {
	v := Str(s, key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

// Plain normalizes v to the JSON shapes structpb accepts ([]string becomes
// []any, structs become maps and so on).
func Plain(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlainMap is Plain for objects.
func PlainMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewStruct builds a Struct from arbitrary JSON-able fields.
func NewStruct(fields map[string]any) (*structpb.Struct, error) {
	m, err := PlainMap(fields)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Str returns a string field or "".
func Str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// Num returns a number field or 0.
func Num(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

// Bool returns a bool field or false.
func Bool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// Has reports whether the field is set (null counts as set).
func Has(s *structpb.Struct, key string) bool {
	_, ok := s.GetFields()[key]
	return ok
}

// Value returns a field as a Go value; a missing field is nil.
func Value(s *structpb.Struct, key string) any {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil
	}
	return v.AsInterface()
}

// Sub returns a nested object field or nil.
func Sub(s *structpb.Struct, key string) *structpb.Struct {
	return s.GetFields()[key].GetStructValue()
}

// Map returns an object field as a map; a missing field is nil.
func Map(s *structpb.Struct, key string) map[string]any {
	if st := Sub(s, key); st != nil {
		return st.AsMap()
	}
	return nil
}

// StrList returns a list-of-strings field.
func StrList(s *structpb.Struct, key string) ([]string, error) {
	vals := s.GetFields()[key].GetListValue().GetValues()
	out := make([]string, 0, len(vals))
	for i, v := range vals {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, errs.Validationf("%s[%d]: want string", key, i)
		}
		out = append(out, sv.StringValue)
	}
	return out, nil
}

// List returns a list-of-objects field.
func List(s *structpb.Struct, key string) []*structpb.Struct {
	vals := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(vals))
	for _, v := range vals {
		if st := v.GetStructValue(); st != nil {
			out = append(out, st)
		}
	}
	return out
}

// UUID parses a required uuid field.
func UUID(s *structpb.Struct, key string) (u.UUID, error) {
	var id u.UUID
	if err := id.UnmarshalText([]byte(Str(s, key))); err != nil {
		return u.Nil, errs.Validationf("%s: invalid id", key)
	}
	return id, nil
}

// UUIDList parses a list of uuids.
func UUIDList(s *structpb.Struct, key string) ([]u.UUID, error) {
	raw, err := StrList(s, key)
	if err != nil {
		return nil, err
	}
	out := make([]u.UUID, 0, len(raw))
	for i, r := range raw {
		id, err := u.FromString(r)
		if err != nil {
			return nil, errs.Validationf("%s[%d]: invalid id", key, i)
		}
		out = append(out, id)
	}
	return out, nil
}

// --- Record ---

// RecordFields converts a durable row to wire fields.
func RecordFields(r model.Record) map[string]any {
	out := map[string]any{
		"id":         r.ID.String(),
		"table":      string(r.Table),
		"parent_id":  r.ParentID.String(),
		"position":   r.Position,
		"data":       r.Data,
		"ver":        r.Ver,
		"client_id":  r.ClientID,
		"deleted":    r.Deleted,
		"created_at": ts(r.CreatedAt),
		"updated_at": ts(r.UpdatedAt),
	}
	if r.Deleted {
		out["deleted_by"] = r.DeletedBy
		if r.DeletedAt != nil {
			out["deleted_at"] = ts(*r.DeletedAt)
		}
	}
	return out
}

// ToStructRecord converts a durable row to a Struct.
func ToStructRecord(r model.Record) (*structpb.Struct, error) {
	return NewStruct(RecordFields(r))
}

// FromStructRecord converts a Struct back to a durable row.
func FromStructRecord(s *structpb.Struct) (model.Record, error) {
	if s == nil {
		return model.Record{}, fmt.Errorf("nil record")
	}
	id, err := UUID(s, "id")
	if err != nil {
		return model.Record{}, err
	}
	parent, err := UUID(s, "parent_id")
	if err != nil {
		return model.Record{}, err
	}
	r := model.Record{
		ID:        id,
		Table:     model.Table(Str(s, "table")),
		ParentID:  parent,
		Position:  int(Num(s, "position")),
		Data:      Map(s, "data"),
		Ver:       int64(Num(s, "ver")),
		ClientID:  Str(s, "client_id"),
		Deleted:   Bool(s, "deleted"),
		DeletedBy: Str(s, "deleted_by"),
	}
	if r.CreatedAt, err = parseTS(s, "created_at"); err != nil {
		return model.Record{}, err
	}
	if r.UpdatedAt, err = parseTS(s, "updated_at"); err != nil {
		return model.Record{}, err
	}
	if Has(s, "deleted_at") {
		at, err := parseTS(s, "deleted_at")
		if err != nil {
			return model.Record{}, err
		}
		r.DeletedAt = &at
	}
	return r, nil
}

// RecordList converts rows to a list value.
func RecordList(rs []model.Record) []any {
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, RecordFields(r))
	}
	return out
}

// --- Locks ---

// LockFields converts a lock to wire fields.
func LockFields(l model.EntityLock) map[string]any {
	return map[string]any{
		"entity_id":          l.EntityID,
		"owner_user_id":      l.OwnerUserID,
		"owner_display_name": l.OwnerDisplayName,
		"lock_type":          string(l.LockType),
		"acquired_at":        ts(l.AcquiredAt),
		"expires_at":         ts(l.ExpiresAt),
	}
}

// FromStructLock converts a Struct to a lock.
func FromStructLock(s *structpb.Struct) (model.EntityLock, error) {
	l := model.EntityLock{
		EntityID:         Str(s, "entity_id"),
		OwnerUserID:      Str(s, "owner_user_id"),
		OwnerDisplayName: Str(s, "owner_display_name"),
		LockType:         model.LockType(Str(s, "lock_type")),
	}
	var err error
	if l.AcquiredAt, err = parseTS(s, "acquired_at"); err != nil {
		return model.EntityLock{}, err
	}
	if l.ExpiresAt, err = parseTS(s, "expires_at"); err != nil {
		return model.EntityLock{}, err
	}
	return l, nil
}

// --- Presence ---

// CursorFields converts a cursor to wire fields.
func CursorFields(c model.CursorPosition) map[string]any {
	return map[string]any{
		"x": c.X, "y": c.Y,
		"block_id": c.BlockID, "row_id": c.RowID, "column_id": c.ColumnID,
	}
}

// FromStructCursor converts a Struct to a cursor position.
func FromStructCursor(s *structpb.Struct) model.CursorPosition {
	return model.CursorPosition{
		X: Num(s, "x"), Y: Num(s, "y"),
		BlockID: Str(s, "block_id"), RowID: Str(s, "row_id"), ColumnID: Str(s, "column_id"),
	}
}

// PresenceFields converts a presence entry to wire fields.
func PresenceFields(p model.UserPresence) map[string]any {
	out := map[string]any{
		"user_id":        p.UserID,
		"display_name":   p.DisplayName,
		"avatar_url":     p.AvatarURL,
		"last_active_at": ts(p.LastActiveAt),
		"is_active":      p.IsActive,
		"typing":         p.Typing,
	}
	if p.Cursor != nil {
		out["cursor"] = CursorFields(*p.Cursor)
	}
	return out
}

// FromStructPresence converts a Struct to a presence entry.
func FromStructPresence(s *structpb.Struct) (model.UserPresence, error) {
	p := model.UserPresence{
		UserID:      Str(s, "user_id"),
		DisplayName: Str(s, "display_name"),
		AvatarURL:   Str(s, "avatar_url"),
		IsActive:    Bool(s, "is_active"),
		Typing:      Bool(s, "typing"),
	}
	var err error
	if p.LastActiveAt, err = parseTS(s, "last_active_at"); err != nil {
		return model.UserPresence{}, err
	}
	if c := Sub(s, "cursor"); c != nil {
		pos := FromStructCursor(c)
		p.Cursor = &pos
	}
	return p, nil
}

// --- Change events ---

// ToStructEvent converts a change event to a Struct.
func ToStructEvent(ev model.ChangeEvent) (*structpb.Struct, error) {
	f := map[string]any{
		"type":      string(ev.Type),
		"table":     string(ev.Table),
		"client_id": ev.ClientID,
		"commit_at": ts(ev.CommitAt),
	}
	if ev.Type != model.ChangeResync {
		f["record"] = RecordFields(ev.Record)
	}
	return NewStruct(f)
}

// FromStructEvent converts a Struct to a change event.
func FromStructEvent(s *structpb.Struct) (model.ChangeEvent, error) {
	ev := model.ChangeEvent{
		Type:     model.ChangeType(Str(s, "type")),
		Table:    model.Table(Str(s, "table")),
		ClientID: Str(s, "client_id"),
	}
	var err error
	if ev.CommitAt, err = parseTS(s, "commit_at"); err != nil {
		return model.ChangeEvent{}, err
	}
	if rec := Sub(s, "record"); rec != nil {
		if ev.Record, err = FromStructRecord(rec); err != nil {
			return model.ChangeEvent{}, err
		}
	}
	return ev, nil
}
