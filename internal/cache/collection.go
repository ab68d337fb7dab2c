// Package cache holds the local copy of one sibling collection (the blocks of
// a document, or the columns or rows of a table block).
package cache

import (
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

// Collection is a versioned, position-ordered set of records.
type Collection struct {
	mu      sync.RWMutex
	table   model.Table
	parent  uuid.UUID
	rows    map[uuid.UUID]model.Record
	local   map[uuid.UUID]bool // optimistic rows without a server id yet
	version uint64
}

// New constructs an empty collection for one sibling set.
func New(table model.Table, parent uuid.UUID) *Collection {
	return &Collection{
		table:  table,
		parent: parent,
		rows:   make(map[uuid.UUID]model.Record),
		local:  make(map[uuid.UUID]bool),
	}
}

// Table returns the collection's table.
func (c *Collection) Table() model.Table { return c.table }

// Parent returns the id of the owning document or block.
func (c *Collection) Parent() uuid.UUID { return c.parent }

// Version increases on every change.
func (c *Collection) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Replace swaps the whole content for an authoritative snapshot. Optimistic
// rows that the server does not know yet are kept, and so are cached rows
// that are newer than their snapshot copy (a change that raced the read).
func (c *Collection) Replace(recs []model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[uuid.UUID]model.Record, len(recs)+len(c.local))
	for id := range c.local {
		next[id] = c.rows[id]
	}
	for _, r := range recs {
		if cur, ok := c.rows[r.ID]; ok && !c.local[r.ID] && isNewer(cur, r) {
			next[r.ID] = cur
			continue
		}
		next[r.ID] = r.Clone()
	}
	c.rows = next
	c.version++
}

// Merge applies a server record unless the cached copy is newer. It reports
// whether the record was applied.
func (c *Collection) Merge(r model.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.rows[r.ID]; ok && !c.local[r.ID] && isNewer(cur, r) {
		return false
	}
	c.rows[r.ID] = r.Clone()
	delete(c.local, r.ID)
	c.version++
	return true
}

// isNewer reports whether cur is strictly newer than next.
func isNewer(cur, next model.Record) bool {
	if cur.Ver != 0 && next.Ver != 0 {
		return cur.Ver > next.Ver
	}
	return cur.UpdatedAt.After(next.UpdatedAt)
}

// PutLocal inserts an optimistic row under a temporary id, shifting the rows at
// or after its position.
func (c *Collection) PutLocal(r model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, x := range c.rows {
		if !x.Deleted && x.Position >= r.Position {
			x.Position++
			c.rows[id] = x
		}
	}
	c.rows[r.ID] = r.Clone()
	c.local[r.ID] = true
	c.version++
}

// Set overwrites a row without any version check (optimistic edits).
func (c *Collection) Set(r model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[r.ID] = r.Clone()
	c.version++
}

// Remove drops a row from the collection and closes the position gap.
func (c *Collection) Remove(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rows[id]
	if !ok {
		return
	}
	delete(c.rows, id)
	delete(c.local, id)
	for xid, x := range c.rows {
		if !x.Deleted && x.Position > r.Position {
			x.Position--
			c.rows[xid] = x
		}
	}
	c.version++
}

// ApplyOrder rewrites every listed row's position to its index in ids.
func (c *Collection) ApplyOrder(ids []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		if r, ok := c.rows[id]; ok {
			r.Position = i
			c.rows[id] = r
		}
	}
	c.version++
}

// Get returns a copy of a cached row.
func (c *Collection) Get(id uuid.UUID) (model.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rows[id]
	if !ok {
		return model.Record{}, false
	}
	return r.Clone(), true
}

// IsLocal reports whether the row is an unconfirmed optimistic insert.
func (c *Collection) IsLocal(id uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local[id]
}

// List returns the live rows ordered by position.
func (c *Collection) List() []model.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Record, 0, len(c.rows))
	for _, r := range c.rows {
		if !r.Deleted {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position == out[j].Position {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// IDs returns the live row ids in position order.
func (c *Collection) IDs() []uuid.UUID {
	rs := c.List()
	out := make([]uuid.UUID, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// Revert puts prev back, but only while the cached row is still at prev's
// version. A newer copy merged in the meantime is left alone. It reports
// whether the row was reverted.
func (c *Collection) Revert(prev model.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.rows[prev.ID]
	if !ok || cur.Ver != prev.Ver {
		return false
	}
	c.rows[prev.ID] = prev.Clone()
	c.version++
	return true
}

// Reinsert puts a removed row back at its position, shifting the rows at or
// after it. Nothing happens if the row is present again.
func (c *Collection) Reinsert(r model.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rows[r.ID]; ok {
		return false
	}
	for id, x := range c.rows {
		if !x.Deleted && x.Position >= r.Position {
			x.Position++
			c.rows[id] = x
		}
	}
	c.rows[r.ID] = r.Clone()
	c.version++
	return true
}

// RevertOrder restores the positions in prev for rows whose version has not
// moved since prev was taken.
func (c *Collection) RevertOrder(prev []model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range prev {
		if cur, ok := c.rows[p.ID]; ok && cur.Ver == p.Ver {
			cur.Position = p.Position
			c.rows[p.ID] = cur
		}
	}
	c.version++
}

// Swap replaces an optimistic row with its confirmed server copy.
func (c *Collection) Swap(tmpID uuid.UUID, r model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, tmpID)
	delete(c.local, tmpID)
	c.rows[r.ID] = r.Clone()
	c.version++
}
