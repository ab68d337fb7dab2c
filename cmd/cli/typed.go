package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/atoms-tech/atoms-collab/internal/api"
	"github.com/atoms-tech/atoms-collab/internal/convert"
	"github.com/atoms-tech/atoms-collab/internal/model"
)

var errUnknownCommand = errors.New("unknown command")

// ------- value parsing -------

// parseValue reads a flag value as JSON, falling back to a plain string so
// that `-value done` works without quoting.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// parseData reads a JSON object inline, from @file or from stdin ("-").
func parseData(s string) (map[string]any, error) {
	var b []byte
	switch {
	case s == "":
		return nil, errors.New("need -data")
	case s == "-":
		var err error
		if b, err = readAll("-"); err != nil {
			return nil, err
		}
	case strings.HasPrefix(s, "@"):
		var err error
		if b, err = readAll(s[1:]); err != nil {
			return nil, err
		}
	default:
		b = []byte(s)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("data must be a JSON object: %w", err)
	}
	return m, nil
}

func splitIDs(s string) []any {
	var out []any
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func autoUUID(id *string) {
	if *id == "" {
		v, _ := u.NewV4()
		*id = v.String()
	}
}

func checkTable(t string) error {
	if !model.Table(t).Valid() {
		return fmt.Errorf("unknown table %q (blocks|columns|requirements)", t)
	}
	return nil
}

// ------- request builders -------

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func requireFields(fields map[string]any, names ...string) error {
	var missing []string
	for _, n := range names {
		if s, ok := fields[n].(string); ok && s == "" {
			missing = append(missing, "-"+flagName(n))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("need %s", strings.Join(missing, " "))
	}
	return nil
}

func flagName(field string) string {
	switch field {
	case "document_id":
		return "doc"
	case "entity_id":
		return "id"
	case "parent_id":
		return "parent"
	case "lock_type":
		return "type"
	case "property":
		return "prop"
	}
	return field
}

// buildRequest maps a subcommand and its flags to a method and request body.
func buildRequest(cmd string, args []string) (string, *structpb.Struct, error) {
	fs := newFlags(cmd)
	doc := fs.String("doc", "", "document id")
	id := fs.String("id", "", "entity id")
	table := fs.String("table", "", "blocks|columns|requirements")
	parent := fs.String("parent", "", "parent id")

	var (
		method string
		fields map[string]any
		build  func() error
	)
	switch cmd {
	case "join", "leave", "locks", "presence":
		method = map[string]string{
			"join": api.MethodJoin, "leave": api.MethodLeave,
			"locks": api.MethodListLocks, "presence": api.MethodListPresence,
		}[cmd]
		build = func() error {
			fields = map[string]any{"document_id": *doc}
			return requireFields(fields, "document_id")
		}
	case "lock":
		method = api.MethodAcquireLock
		typ := fs.String("type", "requirement", "block|column|requirement")
		build = func() error {
			if !model.LockType(*typ).Valid() {
				return fmt.Errorf("unknown lock type %q", *typ)
			}
			fields = map[string]any{"document_id": *doc, "entity_id": *id, "lock_type": *typ}
			return requireFields(fields, "document_id", "entity_id")
		}
	case "refresh", "unlock":
		method = api.MethodRefreshLock
		if cmd == "unlock" {
			method = api.MethodReleaseLock
		}
		build = func() error {
			fields = map[string]any{"document_id": *doc, "entity_id": *id}
			return requireFields(fields, "document_id", "entity_id")
		}
	case "cursor":
		method = api.MethodUpdateCursor
		block := fs.String("block", "", "block id")
		row := fs.String("row", "", "row id")
		col := fs.String("col", "", "column id")
		x := fs.Float64("x", 0, "pointer x")
		y := fs.Float64("y", 0, "pointer y")
		build = func() error {
			fields = map[string]any{
				"document_id": *doc,
				"cursor": convert.CursorFields(model.CursorPosition{
					X: *x, Y: *y, BlockID: *block, RowID: *row, ColumnID: *col,
				}),
			}
			return requireFields(fields, "document_id")
		}
	case "preview":
		method = api.MethodPreviewCell
		block := fs.String("block", "", "block id")
		row := fs.String("row", "", "row id")
		col := fs.String("col", "", "column id")
		value := fs.String("value", "", "value (JSON or string)")
		build = func() error {
			fields = map[string]any{
				"document_id": *doc, "block_id": *block, "row_id": *row, "column_id": *col,
				"value": parseValue(*value),
			}
			return requireFields(fields, "document_id", "row_id", "column_id")
		}
	case "list":
		method = api.MethodList
		deleted := fs.Bool("deleted", false, "include soft-deleted rows")
		build = func() error {
			if err := checkTable(*table); err != nil {
				return err
			}
			fields = map[string]any{"table": *table, "parent_id": *parent, "include_deleted": *deleted}
			return requireFields(fields, "parent_id")
		}
	case "create":
		method = api.MethodCreate
		pos := fs.Int("pos", -1, "position (default: append)")
		data := fs.String("data", "", "JSON object, @file or -")
		build = func() error {
			if err := checkTable(*table); err != nil {
				return err
			}
			d, err := parseData(*data)
			if err != nil {
				return err
			}
			fields = map[string]any{"document_id": *doc, "table": *table, "parent_id": *parent, "data": d}
			if *pos >= 0 {
				fields["position"] = *pos
			}
			return requireFields(fields, "document_id", "parent_id")
		}
	case "update":
		method = api.MethodUpdate
		data := fs.String("data", "", "JSON object, @file or -")
		build = func() error {
			if err := checkTable(*table); err != nil {
				return err
			}
			d, err := parseData(*data)
			if err != nil {
				return err
			}
			fields = map[string]any{"document_id": *doc, "table": *table, "parent_id": *parent, "id": *id, "data": d}
			return requireFields(fields, "document_id", "parent_id", "id")
		}
	case "set":
		method = api.MethodUpdateProperty
		prop := fs.String("prop", "", "property name")
		value := fs.String("value", "", "value (JSON or string)")
		build = func() error {
			fields = map[string]any{
				"document_id": *doc, "parent_id": *parent, "id": *id,
				"property": *prop, "value": parseValue(*value),
			}
			return requireFields(fields, "document_id", "parent_id", "id", "property")
		}
	case "rm":
		method = api.MethodDelete
		build = func() error {
			if err := checkTable(*table); err != nil {
				return err
			}
			fields = map[string]any{"document_id": *doc, "table": *table, "parent_id": *parent, "id": *id}
			return requireFields(fields, "document_id", "parent_id", "id")
		}
	case "reorder":
		method = api.MethodReorder
		ids := fs.String("ids", "", "comma separated ids in the new order")
		build = func() error {
			if err := checkTable(*table); err != nil {
				return err
			}
			list := splitIDs(*ids)
			if len(list) == 0 {
				return errors.New("need -ids")
			}
			fields = map[string]any{"document_id": *doc, "table": *table, "parent_id": *parent, "ids": list}
			return requireFields(fields, "document_id", "parent_id")
		}
	default:
		return "", nil, fmt.Errorf("%w: %s", errUnknownCommand, cmd)
	}

	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if err := build(); err != nil {
		return "", nil, err
	}
	s, err := convert.NewStruct(fields)
	if err != nil {
		return "", nil, err
	}
	return method, s, nil
}

func watchRequest(args []string) (*structpb.Struct, error) {
	fs := newFlags("watch")
	table := fs.String("table", "", "blocks|columns|requirements")
	parent := fs.String("parent", "", "parent id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := checkTable(*table); err != nil {
		return nil, err
	}
	fields := map[string]any{"table": *table, "parent_id": *parent}
	if err := requireFields(fields, "parent_id"); err != nil {
		return nil, err
	}
	return convert.NewStruct(fields)
}
