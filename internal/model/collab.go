package model

import "time"

// LockType is the kind of entity an advisory lock guards.
type LockType string

// Lockable entity kinds.
const (
	LockBlock       LockType = "block"
	LockColumn      LockType = "column"
	LockRequirement LockType = "requirement"
)

// Valid reports whether t is a known lock type.
func (t LockType) Valid() bool {
	return t == LockBlock || t == LockColumn || t == LockRequirement
}

// EntityLock is a time-limited exclusive edit claim on one entity.
type EntityLock struct {
	EntityID         string
	OwnerUserID      string
	OwnerDisplayName string
	LockType         LockType
	AcquiredAt       time.Time
	ExpiresAt        time.Time
}

// ActiveAt reports whether the lock is still in force at now.
func (l EntityLock) ActiveAt(now time.Time) bool { return now.Before(l.ExpiresAt) }

// CursorPosition is either a pointer location (X, Y) or a table cell (RowID, ColumnID).
type CursorPosition struct {
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	BlockID  string  `json:"blockId,omitempty"`
	RowID    string  `json:"rowId,omitempty"`
	ColumnID string  `json:"columnId,omitempty"`
}

// IsCell reports whether the cursor points at a table cell.
func (c CursorPosition) IsCell() bool { return c.RowID != "" && c.ColumnID != "" }

// FocusedCell is the cell a user is currently on.
type FocusedCell struct {
	BlockID  string
	RowID    string
	ColumnID string
}

// UserPresence is one user's presence record within a document.
type UserPresence struct {
	UserID       string
	DisplayName  string
	AvatarURL    string
	LastActiveAt time.Time
	IsActive     bool
	Cursor       *CursorPosition
	Typing       bool
}

// ChangeStatus is the lifecycle state of an optimistic change.
type ChangeStatus string

// Optimistic change states.
const (
	ChangePending ChangeStatus = "pending"
	ChangeSuccess ChangeStatus = "success"
	ChangeError   ChangeStatus = "error"
)

// PendingChange is a cell edit shown before the durable write confirms it.
type PendingChange struct {
	ID           string
	RowID        string
	PropertyID   string
	Value        any
	Timestamp    time.Time
	Status       ChangeStatus
	ErrorMessage string
}
