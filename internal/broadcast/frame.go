package broadcast

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/atoms-tech/atoms-collab/internal/errs"
)

const frameSchemaURL = "https://atoms.tech/schemas/broadcast-frame.json"

// frameSchema is the structural shape of a wire frame. Rules that depend on
// the message type live in Message.Validate.
const frameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "payload"],
  "properties": {
    "type": {"enum": ["cell_update", "cursor_move"]},
    "payload": {
      "type": "object",
      "required": ["userId"],
      "properties": {
        "blockId": {"type": "string"},
        "rowId": {"type": "string"},
        "columnId": {"type": "string"},
        "userId": {"type": "string", "minLength": 1},
        "timestamp": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledFrame = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(frameSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(frameSchemaURL)
})

// checkFrame validates raw bytes against the frame schema.
func checkFrame(b []byte) error {
	sch, err := compiledFrame()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return errs.Validationf("bad frame: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return errs.Validationf("bad frame: %v", err)
	}
	return nil
}
