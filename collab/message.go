package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type MessageType string

const (
	TypeCursor    MessageType = "cursor"
	TypeSelection MessageType = "selection"
	TypeEdit      MessageType = "edit"
	TypeComment   MessageType = "comment"
	TypePresence  MessageType = "presence"
	// server -> client only
	TypePresenceSync MessageType = "presence_sync"
)

// Durable types are written to the event store as well as broadcast.
func (t MessageType) Durable() bool {
	return t == TypeEdit || t == TypeComment
}

type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusAway   Status = "away"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusAway:
		return true
	}
	return false
}

// Presence actions and departure reasons carried in server generated presence events.
const (
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ReasonDisconnect  = "disconnect"
	ReasonTimeout     = "timeout"
	timestampLayout   = "2006-01-02T15:04:05.000Z07:00"
	maxElementIDBytes = 256
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Message is the wire shape of every collaboration event.
type Message struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"user_id"`
	UserName  string          `json:"user_name"`
	ProjectID string          `json:"project_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	// Per-project sequence number, only set on durable types.
	Seq int64 `json:"seq,omitempty"`
}

// PresenceSync is sent once to a connection immediately after it joins.
type PresenceSync struct {
	Type          MessageType     `json:"type"`
	Collaborators []PresenceEntry `json:"collaborators"`
}

// Payload is the type specific content of a message. Each MessageType has exactly one
// payload struct.
type Payload interface {
	Type() MessageType
	validate() error
	// the presence change implied by the sender sending this payload
	presenceUpdate() PresenceUpdate
}

type CursorData struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (d *CursorData) Type() MessageType { return TypeCursor }
func (d *CursorData) validate() error {
	if d.X == nil || d.Y == nil {
		return fmt.Errorf("cursor requires x and y")
	}
	return nil
}
func (d *CursorData) presenceUpdate() PresenceUpdate {
	return PresenceUpdate{Cursor: &Point{X: *d.X, Y: *d.Y}}
}

type SelectionData struct {
	// nil clears the selection
	ElementID *string `json:"element_id"`
}

func (d *SelectionData) Type() MessageType { return TypeSelection }
func (d *SelectionData) validate() error {
	if d.ElementID != nil && len(*d.ElementID) > maxElementIDBytes {
		return fmt.Errorf("element_id too long")
	}
	return nil
}
func (d *SelectionData) presenceUpdate() PresenceUpdate {
	return PresenceUpdate{Selection: &Selection{ElementID: d.ElementID}}
}

type EditData struct {
	ElementID string          `json:"element_id"`
	Changes   json.RawMessage `json:"changes"`
}

func (d *EditData) Type() MessageType { return TypeEdit }
func (d *EditData) validate() error {
	if d.ElementID == "" || len(d.ElementID) > maxElementIDBytes {
		return fmt.Errorf("edit requires an element_id")
	}
	if len(d.Changes) == 0 || string(d.Changes) == "null" {
		return fmt.Errorf("edit requires changes")
	}
	return nil
}
func (d *EditData) presenceUpdate() PresenceUpdate { return PresenceUpdate{} }

type CommentData struct {
	Content   string `json:"content"`
	ElementID string `json:"element_id,omitempty"`
	Position  *Point `json:"position,omitempty"`
}

func (d *CommentData) Type() MessageType { return TypeComment }
func (d *CommentData) validate() error {
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("comment requires content")
	}
	if len(d.ElementID) > maxElementIDBytes {
		return fmt.Errorf("element_id too long")
	}
	return nil
}
func (d *CommentData) presenceUpdate() PresenceUpdate { return PresenceUpdate{} }

type PresenceData struct {
	Status Status `json:"status"`
	// set on server generated join/leave events
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (d *PresenceData) Type() MessageType { return TypePresence }
func (d *PresenceData) validate() error {
	if !d.Status.Valid() {
		return fmt.Errorf("invalid presence status %q", d.Status)
	}
	return nil
}
func (d *PresenceData) presenceUpdate() PresenceUpdate {
	return PresenceUpdate{Status: d.Status}
}

// DecodeError means an inbound frame was dropped.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "malformed message: " + e.Reason
}

// Inbound is a validated frame received from a client.
type Inbound struct {
	Payload Payload
	// the first data field exactly as the client sent it, which is also what was validated
	Data json.RawMessage
}

func (in *Inbound) Type() MessageType {
	return in.Payload.Type()
}

func newPayload(t MessageType) Payload {
	switch t {
	case TypeCursor:
		return &CursorData{}
	case TypeSelection:
		return &SelectionData{}
	case TypeEdit:
		return &EditData{}
	case TypeComment:
		return &CommentData{}
	case TypePresence:
		return &PresenceData{}
	}
	return nil
}

// DecodeInbound validates a raw client frame and decodes its payload variant. Identity fields
// in the frame are ignored; they are replaced when the frame is stamped.
func DecodeInbound(raw []byte) (*Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &DecodeError{"invalid JSON"}
	}
	frame := gjson.ParseBytes(raw)
	if !frame.IsObject() {
		return nil, &DecodeError{"frame is not an object"}
	}
	typ := frame.Get("type")
	if typ.Type != gjson.String {
		return nil, &DecodeError{"missing type"}
	}
	payload := newPayload(MessageType(typ.Str))
	if payload == nil {
		return nil, &DecodeError{fmt.Sprintf("unknown type %q", typ.Str)}
	}
	data := frame.Get("data")
	if !data.IsObject() {
		return nil, &DecodeError{"data must be an object"}
	}
	if err := json.Unmarshal([]byte(data.Raw), payload); err != nil {
		return nil, &DecodeError{fmt.Sprintf("bad %s data: %s", typ.Str, err)}
	}
	if err := payload.validate(); err != nil {
		return nil, &DecodeError{err.Error()}
	}
	return &Inbound{
		Payload: payload,
		Data:    json.RawMessage(data.Raw),
	}, nil
}

// stamp builds the outbound frame from the validated parts only: the decoded type and data,
// the connection's identity, the server receive time and (for durable types) seq. Nothing else
// the client put in the frame is carried over, so repeated or extra top-level keys cannot
// reach recipients.
func (in *Inbound) stamp(from ConnInfo, ts time.Time, seq int64) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}
	set("type", string(in.Type()))
	set("user_id", from.UserID)
	set("user_name", from.UserName)
	set("project_id", from.ProjectID)
	if err == nil {
		out, err = sjson.SetRawBytes(out, "data", in.Data)
	}
	set("timestamp", formatTimestamp(ts))
	if seq > 0 {
		set("seq", seq)
	}
	return out, err
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}

// presenceEvent builds a server generated presence frame about userID.
func presenceEvent(projectID, userID, userName string, data PresenceData, ts time.Time) []byte {
	d, _ := json.Marshal(data)
	b, _ := json.Marshal(Message{
		Type:      TypePresence,
		UserID:    userID,
		UserName:  userName,
		ProjectID: projectID,
		Data:      d,
		Timestamp: formatTimestamp(ts),
	})
	return b
}

func presenceSyncFrame(collaborators []PresenceEntry) []byte {
	if collaborators == nil {
		collaborators = []PresenceEntry{}
	}
	b, _ := json.Marshal(PresenceSync{
		Type:          TypePresenceSync,
		Collaborators: collaborators,
	})
	return b
}
