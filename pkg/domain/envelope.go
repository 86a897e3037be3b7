package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope wraps an Event for cross-instance transport.
type Envelope struct {
	ServerID  string    `json:"serverId"`
	Timestamp time.Time `json:"timestamp"`
	Event     *Event    `json:"event"`
}

// NewEnvelope tags event with the originating server id.
func NewEnvelope(serverID string, event *Event) *Envelope {
	return &Envelope{
		ServerID:  serverID,
		Timestamp: time.Now().UTC(),
		Event:     event,
	}
}

// ParseEnvelope decodes an envelope received from the broker.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.ServerID == "" {
		return nil, errors.New("malformed envelope: missing server id")
	}
	if env.Event == nil || env.Event.Type == "" {
		return nil, errors.New("malformed envelope: missing event")
	}
	return &env, nil
}
