// Package broadcast is a low-latency, non-persisted pub/sub for ephemeral
// editing signals (live cell previews, cursor movement).
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/atoms-tech/atoms-collab/internal/errs"
)

// MessageType enumerates broadcast signals.
type MessageType string

// Signal kinds.
const (
	CellUpdate MessageType = "cell_update"
	CursorMove MessageType = "cursor_move"
)

// Payload is the body of a broadcast message. Timestamp is unix milliseconds.
type Payload struct {
	BlockID   string `json:"blockId"`
	RowID     string `json:"rowId,omitempty"`
	ColumnID  string `json:"columnId,omitempty"`
	Value     any    `json:"value,omitempty"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Message is the wire envelope.
type Message struct {
	Type    MessageType `json:"type"`
	Payload Payload     `json:"payload"`
}

// NewCellUpdate builds a live-typing preview for one cell.
func NewCellUpdate(userID, blockID, rowID, columnID string, value any, at time.Time) Message {
	return Message{Type: CellUpdate, Payload: Payload{
		BlockID: blockID, RowID: rowID, ColumnID: columnID, Value: value,
		UserID: userID, Timestamp: at.UnixMilli(),
	}}
}

// NewCursorMove builds a cursor movement signal.
func NewCursorMove(userID, blockID, rowID, columnID string, at time.Time) Message {
	return Message{Type: CursorMove, Payload: Payload{
		BlockID: blockID, RowID: rowID, ColumnID: columnID,
		UserID: userID, Timestamp: at.UnixMilli(),
	}}
}

// Validate rejects malformed messages.
func (m Message) Validate() error {
	switch m.Type {
	case CellUpdate:
		if m.Payload.RowID == "" || m.Payload.ColumnID == "" {
			return errs.Validationf("cell_update needs rowId and columnId")
		}
	case CursorMove:
	default:
		return errs.Validationf("unknown message type %q", m.Type)
	}
	if m.Payload.UserID == "" {
		return errs.Validationf("message without userId")
	}
	return nil
}

// Decode parses and validates a wire frame.
func Decode(b []byte) (Message, error) {
	if err := checkFrame(b); err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errs.Validationf("bad frame: %v", err)
	}
	return m, m.Validate()
}

// Encode serializes a message for the wire.
func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }
