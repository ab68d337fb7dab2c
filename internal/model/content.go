package model

import (
	"github.com/gofrs/uuid/v5"
)

// BlockType is the render kind of a document block.
type BlockType string

// Block kinds.
const (
	BlockText  BlockType = "text"
	BlockTable BlockType = "table"
	BlockImage BlockType = "image"
	BlockCode  BlockType = "code"
	BlockEmbed BlockType = "embed"
	BlockVideo BlockType = "video"
)

// PropertyType is the value schema of a table column.
type PropertyType string

// Property kinds.
const (
	PropText        PropertyType = "text"
	PropNumber      PropertyType = "number"
	PropSelect      PropertyType = "select"
	PropMultiSelect PropertyType = "multi_select"
	PropDate        PropertyType = "date"
	PropCheckbox    PropertyType = "checkbox"
	PropURL         PropertyType = "url"
	PropEmail       PropertyType = "email"
	PropUser        PropertyType = "user"
)

// Property is the typed schema a column refers to.
type Property struct {
	ID      string
	Name    string
	Type    PropertyType
	Options []string // allowed values for select / multi_select
}

// Block is an ordered piece of a document.
type Block struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Type       BlockType
	Position   int
	Content    map[string]any
	Ver        int64
}

// Column is a table block column bound to a property.
type Column struct {
	ID       uuid.UUID
	BlockID  uuid.UUID
	Property Property
	Width    int
	Position int
	Ver      int64
}

// Requirement enums.
type (
	RequirementStatus   string
	RequirementPriority string
	RequirementLevel    string
	RequirementFormat   string
)

// Requirement statuses.
const (
	StatusDraft      RequirementStatus = "draft"
	StatusTodo       RequirementStatus = "todo"
	StatusInProgress RequirementStatus = "in_progress"
	StatusInReview   RequirementStatus = "in_review"
	StatusApproved   RequirementStatus = "approved"
	StatusRejected   RequirementStatus = "rejected"
	StatusDone       RequirementStatus = "done"
)

// Requirement priorities.
const (
	PriorityLow      RequirementPriority = "low"
	PriorityMedium   RequirementPriority = "medium"
	PriorityHigh     RequirementPriority = "high"
	PriorityCritical RequirementPriority = "critical"
)

// Requirement levels.
const (
	LevelSystem    RequirementLevel = "system"
	LevelComponent RequirementLevel = "component"
	LevelUnit      RequirementLevel = "unit"
)

// Requirement formats.
const (
	FormatIncose RequirementFormat = "incose"
	FormatEars   RequirementFormat = "ears"
	FormatOther  RequirementFormat = "other"
)

// Requirement is a table row.
type Requirement struct {
	ID          uuid.UUID
	BlockID     uuid.UUID
	Name        string
	Description string
	Status      RequirementStatus
	Priority    RequirementPriority
	Level       RequirementLevel
	Format      RequirementFormat
	Properties  map[string]any // propertyID -> value, validated against the block's columns
	Position    int
	Ver         int64
}

// Data keys used inside Record.Data.
const (
	KeyType        = "type"
	KeyContent     = "content"
	KeyProperty    = "property"
	KeyWidth       = "width"
	KeyName        = "name"
	KeyDescription = "description"
	KeyStatus      = "status"
	KeyPriority    = "priority"
	KeyLevel       = "level"
	KeyFormat      = "format"
	KeyProperties  = "properties"
)

// Record converts the block to its durable row.
func (b Block) Record() Record {
	return Record{
		ID: b.ID, Table: TableBlocks, ParentID: b.DocumentID, Position: b.Position, Ver: b.Ver,
		Data: map[string]any{KeyType: string(b.Type), KeyContent: b.Content},
	}
}

// BlockFromRecord converts a durable row to a block.
func BlockFromRecord(r Record) Block {
	return Block{
		ID: r.ID, DocumentID: r.ParentID, Position: r.Position, Ver: r.Ver,
		Type:    BlockType(str(r.Data[KeyType])),
		Content: mapOf(r.Data[KeyContent]),
	}
}

// Record converts the column to its durable row.
func (c Column) Record() Record {
	opts := make([]any, 0, len(c.Property.Options))
	for _, o := range c.Property.Options {
		opts = append(opts, o)
	}
	return Record{
		ID: c.ID, Table: TableColumns, ParentID: c.BlockID, Position: c.Position, Ver: c.Ver,
		Data: map[string]any{
			KeyProperty: map[string]any{
				"id": c.Property.ID, "name": c.Property.Name,
				"type": string(c.Property.Type), "options": opts,
			},
			KeyWidth: c.Width,
		},
	}
}

// ColumnFromRecord converts a durable row to a column.
func ColumnFromRecord(r Record) Column {
	p := mapOf(r.Data[KeyProperty])
	col := Column{
		ID: r.ID, BlockID: r.ParentID, Position: r.Position, Ver: r.Ver,
		Width: intOf(r.Data[KeyWidth]),
		Property: Property{
			ID: str(p["id"]), Name: str(p["name"]), Type: PropertyType(str(p["type"])),
		},
	}
	if opts, ok := p["options"].([]any); ok {
		for _, o := range opts {
			col.Property.Options = append(col.Property.Options, str(o))
		}
	} else if opts, ok := p["options"].([]string); ok {
		col.Property.Options = append(col.Property.Options, opts...)
	}
	return col
}

// Record converts the requirement to its durable row.
func (q Requirement) Record() Record {
	props := q.Properties
	if props == nil {
		props = map[string]any{}
	}
	return Record{
		ID: q.ID, Table: TableRequirements, ParentID: q.BlockID, Position: q.Position, Ver: q.Ver,
		Data: map[string]any{
			KeyName: q.Name, KeyDescription: q.Description,
			KeyStatus: string(q.Status), KeyPriority: string(q.Priority),
			KeyLevel: string(q.Level), KeyFormat: string(q.Format),
			KeyProperties: props,
		},
	}
}

// RequirementFromRecord converts a durable row to a requirement.
func RequirementFromRecord(r Record) Requirement {
	return Requirement{
		ID: r.ID, BlockID: r.ParentID, Position: r.Position, Ver: r.Ver,
		Name:        str(r.Data[KeyName]),
		Description: str(r.Data[KeyDescription]),
		Status:      RequirementStatus(str(r.Data[KeyStatus])),
		Priority:    RequirementPriority(str(r.Data[KeyPriority])),
		Level:       RequirementLevel(str(r.Data[KeyLevel])),
		Format:      RequirementFormat(str(r.Data[KeyFormat])),
		Properties:  mapOf(r.Data[KeyProperties]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func mapOf(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
