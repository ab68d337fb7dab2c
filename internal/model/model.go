// Package model defines domain entities used by the collaboration core, its stores and transports.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Table names a sibling collection family in the durable store.
type Table string

// Known tables.
const (
	TableBlocks       Table = "blocks"
	TableColumns      Table = "columns"
	TableRequirements Table = "requirements"
)

// Valid reports whether t is one of the known tables.
func (t Table) Valid() bool {
	switch t {
	case TableBlocks, TableColumns, TableRequirements:
		return true
	}
	return false
}

// Record is the generic durable row shared by blocks, columns and requirements.
type Record struct {
	ID        uuid.UUID      // server-assigned PK
	Table     Table          // owning table
	ParentID  uuid.UUID      // document for blocks, block for columns/requirements
	Position  int            // dense 0..n-1 within the sibling set
	Data      map[string]any // family-specific payload (jsonb)
	Ver       int64          // optimistic concurrency token, bumped on every write
	ClientID  string         // session that issued the last write
	Deleted   bool           // soft-delete flag
	DeletedAt *time.Time
	DeletedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy whose Data map can be mutated independently.
func (r Record) Clone() Record {
	out := r
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// Filter scopes a select or a watch to one sibling set.
type Filter struct {
	ParentID       uuid.UUID // required
	IncludeDeleted bool
}

// Session identifies one editing session (one browser tab / one CLI invocation).
type Session struct {
	UserID      string
	DisplayName string
	AccessToken string // forwarded opaquely to the durable store client
	ClientID    string // stamped on every write as client_id
}

// Tokens is an issued access token.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ChangeType enumerates realtime change kinds.
type ChangeType string

// Change kinds. ChangeResync is synthesized by watchers after a reconnect.
const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	ChangeResync ChangeType = "RESYNC"
)

// ChangeEvent is one committed change delivered by a watcher.
type ChangeEvent struct {
	Type     ChangeType
	Table    Table
	Record   Record // new row state (soft-deleted rows arrive as UPDATE with Deleted=true)
	ClientID string // writer session
	CommitAt time.Time
}
