package hub

import (
	"fmt"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// Broadcast pushes e to every connection whose subscription matches it and
// returns the number of successful deliveries. Connections that fail the
// push are unregistered before Broadcast returns.
func (h *Hub) Broadcast(e *domain.Event) int {
	l := log.L()
	if err := e.Validate(); err != nil {
		l.Warn().Err(err).Str(log.FieldEventID, e.ID).Msg("dropping invalid event")
		return 0
	}

	frame, err := NewFrame(e)
	if err != nil {
		l.Error().Err(err).Str(log.FieldEventType, string(e.Type)).Msg("failed to encode event")
		return 0
	}

	delivered := h.fanOut(frame, func(c *Connection) bool {
		return c.Subscription.Matches(e)
	})

	l.Debug().
		Str(log.FieldEventType, string(e.Type)).
		Str(log.FieldEventID, e.ID).
		Str(log.FieldStreamID, e.StreamID).
		Int(log.FieldDelivered, delivered).
		Msg("event broadcast")
	return delivered
}

// Notify pushes e to every connection regardless of subscription. It is used
// for connection diagnostics such as connection.stats.
func (h *Hub) Notify(e *domain.Event) int {
	frame, err := NewFrame(e)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldEventType, string(e.Type)).Msg("failed to encode event")
		return 0
	}
	return h.fanOut(frame, nil)
}

// SendTo pushes e to a single connection. A failed push unregisters it.
func (h *Hub) SendTo(id string, e *domain.Event) error {
	conn, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	frame, err := NewFrame(e)
	if err != nil {
		return err
	}
	if err := conn.push(frame); err != nil {
		h.remove(id, err)
		return err
	}
	return nil
}

// Ping writes the heartbeat frame to every connection and returns how many
// accepted it.
func (h *Hub) Ping() int {
	return h.fanOut(HeartbeatFrame, nil)
}

func (h *Hub) fanOut(f Frame, match func(*Connection) bool) int {
	delivered := 0
	for _, c := range h.snapshot() {
		if match != nil && !match(c) {
			continue
		}
		if err := c.push(f); err != nil {
			h.remove(c.ID, err)
			continue
		}
		delivered++
	}
	return delivered
}
