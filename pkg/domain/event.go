package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingStreamID  = errors.New("stream id is required")
)

// EventType is the closed set of realtime event kinds.
type EventType string

// Stream lifecycle events, routed to the directory and to the stream itself.
const (
	EventStreamStarted EventType = "stream.started"
	EventStreamEnded   EventType = "stream.ended"
)

// Presence and count events, routed to one stream only.
const (
	EventViewerJoined        EventType = "viewer.joined"
	EventViewerLeft          EventType = "viewer.left"
	EventViewerCountUpdated  EventType = "viewer.count.updated"
	EventChatMessagePinned   EventType = "chat.message.pinned"
	EventChatMessageUnpinned EventType = "chat.message.unpinned"
)

// Connection diagnostics, addressed to individual connections.
const (
	EventConnectionEstablished EventType = "connection.established"
	EventConnectionStats       EventType = "connection.stats"
	EventPing                  EventType = "ping"
)

// EventClass groups event types by routing rule.
type EventClass int

const (
	ClassUnknown EventClass = iota
	ClassLifecycle
	ClassPresence
	ClassDiagnostic
)

// Class reports the routing class of t.
func (t EventType) Class() EventClass {
	switch t {
	case EventStreamStarted, EventStreamEnded:
		return ClassLifecycle
	case EventViewerJoined, EventViewerLeft, EventViewerCountUpdated,
		EventChatMessagePinned, EventChatMessageUnpinned:
		return ClassPresence
	case EventConnectionEstablished, EventConnectionStats, EventPing:
		return ClassDiagnostic
	default:
		return ClassUnknown
	}
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return t.Class() != ClassUnknown
}

// Payload keys shared between the server and clients.
const (
	DataCategory     = "category"
	DataTitle        = "title"
	DataViewerCount  = "viewerCount"
	DataMessageID    = "messageId"
	DataContent      = "content"
	DataReason       = "reason"
	DataConnectionID = "connectionId"
	DataServerID     = "serverId"
	DataKind         = "kind"
	DataStreamID     = "streamId"
	DataLocal        = "local"
	DataCluster      = "cluster"
	DataByKind       = "byKind"
)

// Event is an immutable realtime message. Construct with NewEvent; treat the
// Data map as read-only once the event has been published.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      EventType      `json:"type"`
	StreamID  string         `json:"streamId"`
	UserID    string         `json:"userId"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event stamped with a fresh k-sortable id and the
// current time.
func NewEvent(t EventType, streamID, userID string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:        ksuid.New().String(),
		Type:      t,
		StreamID:  streamID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the invariants of an outgoing event.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.Type.Class() == ClassPresence && e.StreamID == "" {
		return fmt.Errorf("%s: %w", e.Type, ErrMissingStreamID)
	}
	return nil
}

// Category returns data.category as a string, or "" when absent.
func (e *Event) Category() string {
	return e.DataString(DataCategory)
}

// DataString returns data[key] when it is a string.
func (e *Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// DataInt returns data[key] as an int. JSON numbers decode as float64, so
// both representations are accepted.
func (e *Event) DataInt(key string) (int, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// Marshal serializes the event to its wire form.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes a wire event. Unknown types are returned without error
// so callers can decide to ignore them; structurally invalid payloads fail.
func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	if e.Type == "" {
		return nil, errors.New("malformed event: missing type")
	}
	return &e, nil
}

// LiveStream is the directory entry of a stream that is currently live.
type LiveStream struct {
	StreamID    string    `json:"streamId"`
	UserID      string    `json:"userId"`
	Category    string    `json:"category,omitempty"`
	Title       string    `json:"title,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	ViewerCount int64     `json:"viewerCount"`
}
