package mutation

import (
	"context"
	"maps"

	"github.com/gofrs/uuid/v5"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/schema"
)

// CreateBlock appends or inserts a block into the document.
func (p *Pipeline) CreateBlock(ctx context.Context, b model.Block, position int) (model.Block, error) {
	if p.coll.Table() != model.TableBlocks {
		return model.Block{}, errs.Validationf("collection holds %s, not blocks", p.coll.Table())
	}
	if b.Type == "" {
		return model.Block{}, errs.Validationf("block type is required")
	}
	rec, err := p.Create(ctx, b.Record().Data, position)
	if err != nil {
		return model.Block{}, err
	}
	return model.BlockFromRecord(rec), nil
}

// CreateColumn adds a property column to a table block.
func (p *Pipeline) CreateColumn(ctx context.Context, c model.Column, position int) (model.Column, error) {
	if p.coll.Table() != model.TableColumns {
		return model.Column{}, errs.Validationf("collection holds %s, not columns", p.coll.Table())
	}
	if c.Property.Name == "" || c.Property.Type == "" {
		return model.Column{}, errs.Validationf("column property needs a name and a type")
	}
	if c.Property.ID == "" {
		c.Property.ID = uuid.Must(uuid.NewV4()).String()
	}
	rec, err := p.Create(ctx, c.Record().Data, position)
	if err != nil {
		return model.Column{}, err
	}
	return model.ColumnFromRecord(rec), nil
}

// CreateRequirement adds a row to a table block after validating it.
func (p *Pipeline) CreateRequirement(ctx context.Context, q model.Requirement, position int) (model.Requirement, error) {
	if p.coll.Table() != model.TableRequirements {
		return model.Requirement{}, errs.Validationf("collection holds %s, not requirements", p.coll.Table())
	}
	sch, err := p.loadSchema(ctx)
	if err != nil {
		return model.Requirement{}, err
	}
	if sch != nil {
		if err := sch.ValidateRequirement(q); err != nil {
			return model.Requirement{}, err
		}
	}
	rec, err := p.Create(ctx, q.Record().Data, position)
	if err != nil {
		return model.Requirement{}, err
	}
	return model.RequirementFromRecord(rec), nil
}

// UpdateProperty writes a single cell. Built-in requirement fields are stored
// at the top level; everything else lives in the properties bag. The new value
// is visible through the pending store until the write settles.
func (p *Pipeline) UpdateProperty(ctx context.Context, rowID uuid.UUID, propertyID string, value any) (model.Record, error) {
	if err := p.validateCell(ctx, propertyID, value); err != nil {
		return model.Record{}, err
	}
	if err := p.guard(rowID, p.coll.Parent()); err != nil {
		return model.Record{}, err
	}

	var changeID string
	if p.pending != nil {
		changeID = p.pending.Add(rowID.String(), propertyID, value)
	}
	rec, err := p.update(ctx, rowID, cellPatch(propertyID, value))
	if p.pending != nil {
		if err != nil {
			p.pending.MarkError(changeID, err.Error())
		} else {
			// settled edits are served from the cache from here on
			p.pending.MarkSuccess(changeID)
			p.pending.Discard(changeID)
		}
	}
	return rec, err
}

func cellPatch(propertyID string, value any) patchFunc {
	if schema.IsNative(propertyID) {
		return func(model.Record) map[string]any { return map[string]any{propertyID: value} }
	}
	return func(base model.Record) map[string]any {
		props := map[string]any{}
		if cur, ok := base.Data[model.KeyProperties].(map[string]any); ok {
			props = maps.Clone(cur)
		}
		if value == nil {
			delete(props, propertyID)
		} else {
			props[propertyID] = value
		}
		return map[string]any{model.KeyProperties: props}
	}
}

func (p *Pipeline) validateCell(ctx context.Context, propertyID string, value any) error {
	if schema.IsNative(propertyID) {
		if value == nil {
			return nil
		}
		return schema.ValidateNative(propertyID, value)
	}
	sch, err := p.loadSchema(ctx)
	if err != nil || sch == nil {
		return err
	}
	return sch.Validate(propertyID, value)
}

func (p *Pipeline) loadSchema(ctx context.Context) (schema.Schema, error) {
	if p.schema == nil {
		return nil, nil
	}
	return p.schema(ctx)
}
