package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/atoms-tech/atoms-collab/internal/cache"
	"github.com/atoms-tech/atoms-collab/internal/collab"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/mutation"
	"github.com/atoms-tech/atoms-collab/internal/repository"
	"github.com/atoms-tech/atoms-collab/internal/schema"
)

// ContentService reads and mutates blocks, columns and requirements on behalf
// of a document session. Writes go through a mutation pipeline guarded by the
// document's locks.
type ContentService interface {
	// List returns one sibling set ordered by position.
	List(ctx context.Context, table model.Table, parent uuid.UUID, includeDeleted bool) ([]model.Record, error)
	// Create inserts a row at position (negative appends).
	Create(ctx context.Context, o *collab.Orchestrator, table model.Table, parent uuid.UUID, position int, data map[string]any) (model.Record, error)
	// Update merges data into a row.
	Update(ctx context.Context, o *collab.Orchestrator, table model.Table, parent, id uuid.UUID, data map[string]any) (model.Record, error)
	// UpdateProperty writes one requirement cell after schema validation.
	UpdateProperty(ctx context.Context, o *collab.Orchestrator, parent, id uuid.UUID, propertyID string, value any) (model.Record, error)
	// Delete soft-deletes a row.
	Delete(ctx context.Context, o *collab.Orchestrator, table model.Table, parent, id uuid.UUID) (model.Record, error)
	// Reorder assigns position i to ids[i].
	Reorder(ctx context.Context, o *collab.Orchestrator, table model.Table, parent uuid.UUID, ids []uuid.UUID) ([]model.Record, error)
}

type ContentServiceImpl struct {
	store    repository.Store
	maxBatch int
}

// NewContentService constructs ContentService with batch limits.
func NewContentService(store repository.Store, maxBatch int) *ContentServiceImpl {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &ContentServiceImpl{store: store, maxBatch: maxBatch}
}

// List validates the sibling set and reads it from the store.
func (s *ContentServiceImpl) List(ctx context.Context, table model.Table, parent uuid.UUID, includeDeleted bool) ([]model.Record, error) {
	if err := checkSet(table, parent); err != nil {
		return nil, err
	}
	return s.store.Select(ctx, table, model.Filter{ParentID: parent, IncludeDeleted: includeDeleted})
}

// Create validates typed rows and inserts them.
func (s *ContentServiceImpl) Create(ctx context.Context, o *collab.Orchestrator, table model.Table, parent uuid.UUID, position int, data map[string]any) (model.Record, error) {
	p, err := s.pipeline(ctx, o, table, parent)
	if err != nil {
		return model.Record{}, err
	}
	var id uuid.UUID
	switch table {
	case model.TableBlocks:
		b, err := p.CreateBlock(ctx, model.BlockFromRecord(model.Record{Data: data}), position)
		if err != nil {
			return model.Record{}, err
		}
		id = b.ID
	case model.TableColumns:
		c, err := p.CreateColumn(ctx, model.ColumnFromRecord(model.Record{Data: data}), position)
		if err != nil {
			return model.Record{}, err
		}
		id = c.ID
	default:
		q, err := p.CreateRequirement(ctx, model.RequirementFromRecord(model.Record{Data: data}), position)
		if err != nil {
			return model.Record{}, err
		}
		id = q.ID
	}
	if rec, ok := p.Collection().Get(id); ok {
		return rec, nil
	}
	return s.store.Get(ctx, table, id)
}

// Update rejects structural keys and merges the rest.
func (s *ContentServiceImpl) Update(ctx context.Context, o *collab.Orchestrator, table model.Table, parent, id uuid.UUID, data map[string]any) (model.Record, error) {
	if len(data) == 0 {
		return model.Record{}, errs.Validationf("empty update")
	}
	if table == model.TableRequirements {
		sch, err := s.schemaFor(parent)(ctx)
		if err != nil {
			return model.Record{}, err
		}
		for k, v := range data {
			if err := validateRequirementKey(sch, k, v); err != nil {
				return model.Record{}, err
			}
		}
	}
	p, err := s.pipeline(ctx, o, table, parent)
	if err != nil {
		return model.Record{}, err
	}
	return p.Update(ctx, id, data)
}

// UpdateProperty writes one requirement cell.
func (s *ContentServiceImpl) UpdateProperty(ctx context.Context, o *collab.Orchestrator, parent, id uuid.UUID, propertyID string, value any) (model.Record, error) {
	if propertyID == "" {
		return model.Record{}, errs.Validationf("empty property id")
	}
	p, err := s.pipeline(ctx, o, model.TableRequirements, parent)
	if err != nil {
		return model.Record{}, err
	}
	return p.UpdateProperty(ctx, id, propertyID, value)
}

// Delete soft-deletes a row; blocks cascade to their columns and requirements.
func (s *ContentServiceImpl) Delete(ctx context.Context, o *collab.Orchestrator, table model.Table, parent, id uuid.UUID) (model.Record, error) {
	p, err := s.pipeline(ctx, o, table, parent)
	if err != nil {
		return model.Record{}, err
	}
	return p.Delete(ctx, id)
}

// Reorder validates the batch size and applies the new order atomically.
func (s *ContentServiceImpl) Reorder(ctx context.Context, o *collab.Orchestrator, table model.Table, parent uuid.UUID, ids []uuid.UUID) ([]model.Record, error) {
	if len(ids) > s.maxBatch {
		return nil, errs.Validationf("batch too large (%d > %d)", len(ids), s.maxBatch)
	}
	p, err := s.pipeline(ctx, o, table, parent)
	if err != nil {
		return nil, err
	}
	return p.Reorder(ctx, ids)
}

// pipeline loads the sibling set into a fresh cache and returns a pipeline
// guarded by the document's locks.
func (s *ContentServiceImpl) pipeline(ctx context.Context, o *collab.Orchestrator, table model.Table, parent uuid.UUID) (*mutation.Pipeline, error) {
	if err := checkSet(table, parent); err != nil {
		return nil, err
	}
	if o == nil || o.Inert() {
		return nil, errs.Validationf("document_id is required for writes")
	}
	var opts []mutation.Option
	if table == model.TableRequirements {
		opts = append(opts, mutation.WithSchema(s.schemaFor(parent)))
	}
	p := o.Pipeline(cache.New(table, parent), opts...)
	if err := p.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	return p, nil
}

// schemaFor builds the property schema of a table block from its columns.
func (s *ContentServiceImpl) schemaFor(block uuid.UUID) mutation.SchemaFunc {
	return func(ctx context.Context) (schema.Schema, error) {
		recs, err := s.store.Select(ctx, model.TableColumns, model.Filter{ParentID: block})
		if err != nil {
			return nil, fmt.Errorf("load columns: %w", err)
		}
		cols := make([]model.Column, 0, len(recs))
		for _, r := range recs {
			cols = append(cols, model.ColumnFromRecord(r))
		}
		return schema.FromColumns(cols), nil
	}
}

func validateRequirementKey(sch schema.Schema, key string, v any) error {
	switch {
	case schema.IsNative(key):
		if v == nil {
			return nil
		}
		return schema.ValidateNative(key, v)
	case key == model.KeyProperties:
		props, ok := v.(map[string]any)
		if !ok {
			return errs.Validationf("properties: want object, got %T", v)
		}
		return sch.ValidateAll(props)
	default:
		return errs.Validationf("unknown requirement field %q", key)
	}
}

func checkSet(table model.Table, parent uuid.UUID) error {
	if !table.Valid() {
		return errs.Validationf("unknown table %q", table)
	}
	if parent == uuid.Nil {
		return errs.Validationf("empty parent id")
	}
	return nil
}
