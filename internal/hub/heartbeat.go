package hub

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// DefaultHeartbeatInterval beats the idle timeouts of common proxies.
const DefaultHeartbeatInterval = 2 * time.Minute

// Heartbeat periodically writes a keep-alive frame to every connection.
// Writes that fail unregister the connection, the same as a failed
// broadcast. Clients never acknowledge it, so a peer that stops reading is
// only noticed once its buffer fills or the socket write fails.
type Heartbeat struct {
	hub      *Hub
	interval time.Duration
}

// NewHeartbeat creates a scheduler for h. A non-positive interval selects
// DefaultHeartbeatInterval.
func NewHeartbeat(h *Hub, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{hub: h, interval: interval}
}

// Run blocks until ctx is done.
func (hb *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	l := log.L()
	l.Info().Dur("interval", hb.interval).Msg("heartbeat started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			before := hb.hub.Count()
			alive := hb.hub.Ping()
			if dropped := before - alive; dropped > 0 {
				l.Info().Int(log.FieldConnections, alive).Int("dropped", dropped).Msg("heartbeat removed dead connections")
			}
		}
	}
}
