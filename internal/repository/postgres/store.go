package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/repository"
)

// Store implements repository.Store on top of one table per entity family.
// All three tables share the same layout; parent_id is the document for
// blocks and the table block for columns and requirements.
type Store struct {
	db       *DB
	listener *Listener
}

var _ repository.Store = (*Store)(nil)

// NewStore constructs a postgres-backed store.
func NewStore(db *DB) *Store { return &Store{db: db} }

const cols = `id, parent_id, position, data, ver, client_id, is_deleted, deleted_at, COALESCE(deleted_by,''), created_at, updated_at`

const (
	qSelectLive = `SELECT ` + cols + ` FROM %s WHERE parent_id=$1 AND NOT is_deleted ORDER BY position ASC, created_at ASC`
	qSelectAll  = `SELECT ` + cols + ` FROM %s WHERE parent_id=$1 ORDER BY position ASC, created_at ASC`
	qGet        = `SELECT ` + cols + ` FROM %s WHERE id=$1`
	qLockSet    = `SELECT pg_advisory_xact_lock(hashtext($1))`
	qCountLive  = `SELECT count(*) FROM %s WHERE parent_id=$1 AND NOT is_deleted`
	qShiftUp    = `UPDATE %s SET position=position+1, ver=ver+1, client_id=$3, updated_at=now() WHERE parent_id=$1 AND position>=$2 AND NOT is_deleted`
	qInsert     = `INSERT INTO %s (parent_id, position, data, ver, client_id) VALUES ($1,$2,$3,1,$4) RETURNING id, created_at, updated_at`
	qSelForUpd  = `SELECT ver, data, is_deleted FROM %s WHERE id=$1 FOR UPDATE`
	qUpdate     = `UPDATE %s SET data=$2, ver=$3, client_id=$4, updated_at=now() WHERE id=$1`
	qDelSel     = `SELECT parent_id, position, is_deleted FROM %s WHERE id=$1 FOR UPDATE`
	qDelMark    = `UPDATE %s SET is_deleted=true, deleted_at=now(), deleted_by=$2, ver=ver+1, client_id=$3, updated_at=now() WHERE id=$1`
	qShiftDown  = `UPDATE %s SET position=position-1, ver=ver+1, client_id=$3, updated_at=now() WHERE parent_id=$1 AND position>$2 AND NOT is_deleted`
	qCascade    = `UPDATE %s SET is_deleted=true, deleted_at=now(), deleted_by=$2, ver=ver+1, client_id=$3, updated_at=now() WHERE parent_id=$1 AND NOT is_deleted`
	qReorderSel = `SELECT id, position FROM %s WHERE parent_id=$1 AND NOT is_deleted FOR UPDATE`
	qReorderSet = `UPDATE %s SET position=$2, ver=ver+1, client_id=$3, updated_at=now() WHERE id=$1`
)

func q(tmpl string, t model.Table) string { return fmt.Sprintf(tmpl, string(t)) }

func checkTable(t model.Table) error {
	if !t.Valid() {
		return errs.Validationf("unknown table %q", t)
	}
	return nil
}

type scanner interface{ Scan(dest ...any) error }

func scanRecord(row scanner, t model.Table) (model.Record, error) {
	var (
		r    model.Record
		data []byte
	)
	err := row.Scan(&r.ID, &r.ParentID, &r.Position, &data, &r.Ver, &r.ClientID,
		&r.Deleted, &r.DeletedAt, &r.DeletedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.Record{}, err
	}
	r.Table = t
	if r.Data, err = decodeData(data); err != nil {
		return model.Record{}, err
	}
	return r, nil
}

func decodeData(b []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return m, nil
}

// Select returns the sibling set ordered by position.
func (s *Store) Select(ctx context.Context, table model.Table, f model.Filter) ([]model.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	tmpl := qSelectLive
	if f.IncludeDeleted {
		tmpl = qSelectAll
	}
	rows, err := s.db.Pool.Query(ctx, q(tmpl, table), f.ParentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows, table)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get loads a single row, soft-deleted rows included.
func (s *Store) Get(ctx context.Context, table model.Table, id uuid.UUID) (model.Record, error) {
	if err := checkTable(table); err != nil {
		return model.Record{}, err
	}
	r, err := scanRecord(s.db.Pool.QueryRow(ctx, q(qGet, table), id), table)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, errs.ErrNotFound
	}
	return r, err
}

// Insert creates a row, shifting later siblings down by one.
func (s *Store) Insert(ctx context.Context, rec model.Record) (out model.Record, err error) {
	if err := checkTable(rec.Table); err != nil {
		return model.Record{}, err
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return model.Record{}, fmt.Errorf("encode data: %w", err)
	}

	err = s.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, qLockSet, rec.ParentID.String()); err != nil {
			return err
		}
		var n int
		if err := tx.QueryRow(ctx, q(qCountLive, rec.Table), rec.ParentID).Scan(&n); err != nil {
			return err
		}
		pos := rec.Position
		if pos < 0 || pos > n {
			pos = n
		}
		if pos < n {
			if _, err := tx.Exec(ctx, q(qShiftUp, rec.Table), rec.ParentID, pos, rec.ClientID); err != nil {
				return err
			}
		}
		out = rec.Clone()
		out.Position = pos
		out.Ver = 1
		out.Deleted, out.DeletedAt, out.DeletedBy = false, nil, ""
		return tx.QueryRow(ctx, q(qInsert, rec.Table), rec.ParentID, pos, data, rec.ClientID).
			Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	})
	if err != nil {
		return model.Record{}, err
	}
	return out, nil
}

// Update merges data into the row with an optimistic version check.
func (s *Store) Update(
	ctx context.Context, table model.Table, id uuid.UUID, baseVer int64, data map[string]any, clientID string,
) (out model.Record, err error) {
	if err := checkTable(table); err != nil {
		return model.Record{}, err
	}
	err = s.db.inTx(ctx, func(tx pgx.Tx) error {
		var (
			curVer  int64
			raw     []byte
			deleted bool
		)
		if err := tx.QueryRow(ctx, q(qSelForUpd, table), id).Scan(&curVer, &raw, &deleted); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if deleted {
			return errs.ErrNotFound
		}
		if curVer != baseVer {
			return errs.ErrVersionConflict
		}
		merged, err := decodeData(raw)
		if err != nil {
			return err
		}
		for k, v := range data {
			merged[k] = v
		}
		enc, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}
		if _, err := tx.Exec(ctx, q(qUpdate, table), id, enc, curVer+1, clientID); err != nil {
			return err
		}
		out, err = scanRecord(tx.QueryRow(ctx, q(qGet, table), id), table)
		return err
	})
	if err != nil {
		return model.Record{}, err
	}
	return out, nil
}

// SoftDelete flags the row and closes the gap it leaves. Deleting a block
// also flags its columns and requirements; nothing is physically removed.
func (s *Store) SoftDelete(
	ctx context.Context, table model.Table, id uuid.UUID, actor, clientID string,
) (out model.Record, err error) {
	if err := checkTable(table); err != nil {
		return model.Record{}, err
	}
	err = s.db.inTx(ctx, func(tx pgx.Tx) error {
		var (
			parent  uuid.UUID
			pos     int
			deleted bool
		)
		if err := tx.QueryRow(ctx, q(qDelSel, table), id).Scan(&parent, &pos, &deleted); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if deleted {
			return errs.ErrNotFound
		}
		if _, err := tx.Exec(ctx, qLockSet, parent.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, q(qDelMark, table), id, actor, clientID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, q(qShiftDown, table), parent, pos, clientID); err != nil {
			return err
		}
		if table == model.TableBlocks {
			for _, child := range []model.Table{model.TableColumns, model.TableRequirements} {
				if _, err := tx.Exec(ctx, q(qCascade, child), id, actor, clientID); err != nil {
					return fmt.Errorf("cascade %s: %w", child, err)
				}
			}
		}
		var err error
		out, err = scanRecord(tx.QueryRow(ctx, q(qGet, table), id), table)
		return err
	})
	if err != nil {
		return model.Record{}, err
	}
	return out, nil
}

// Reorder sets position i on ids[i] in a single transaction. The id list must
// match the live sibling set exactly, otherwise ErrStaleReorder is returned
// and nothing changes.
func (s *Store) Reorder(
	ctx context.Context, table model.Table, parentID uuid.UUID, ids []uuid.UUID, clientID string,
) ([]model.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, qLockSet, parentID.String()); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, q(qReorderSel, table), parentID)
		if err != nil {
			return err
		}
		current := make(map[uuid.UUID]int)
		for rows.Next() {
			var (
				id  uuid.UUID
				pos int
			)
			if err := rows.Scan(&id, &pos); err != nil {
				rows.Close()
				return err
			}
			current[id] = pos
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(current) != len(ids) {
			return errs.ErrStaleReorder
		}
		seen := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			if _, ok := current[id]; !ok || seen[id] {
				return errs.ErrStaleReorder
			}
			seen[id] = true
		}
		for i, id := range ids {
			if current[id] == i {
				continue
			}
			if _, err := tx.Exec(ctx, q(qReorderSet, table), id, i, clientID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Select(ctx, table, model.Filter{ParentID: parentID})
}
