package hub

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// InstanceStore records per-instance connection counts so that every
// instance can report cluster totals.
type InstanceStore interface {
	ReportInstance(ctx context.Context, serverID string, connections int, ttl time.Duration) error
	ClusterConnections(ctx context.Context) (int64, error)
}

// StatsReporter publishes connection.stats to local connections on a fixed
// interval.
type StatsReporter struct {
	hub      *Hub
	store    InstanceStore
	serverID string
	interval time.Duration
}

// NewStatsReporter creates a reporter. store may be nil, in which case the
// cluster total equals the local count.
func NewStatsReporter(h *Hub, store InstanceStore, serverID string, interval time.Duration) *StatsReporter {
	return &StatsReporter{hub: h, store: store, serverID: serverID, interval: interval}
}

// Run blocks until ctx is done. A zero interval disables reporting.
func (s *StatsReporter) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Report(ctx)
		}
	}
}

// Report records the local count and sends connection.stats to every
// connection.
func (s *StatsReporter) Report(ctx context.Context) *domain.Event {
	local := s.hub.Count()
	cluster := int64(local)

	if s.store != nil {
		l := log.Ctx(ctx)
		// Keys outlive a missed tick so the total does not flap.
		if err := s.store.ReportInstance(ctx, s.serverID, local, 3*s.interval); err != nil {
			l.Warn().Err(err).Msg("failed to report instance connections")
		} else if total, err := s.store.ClusterConnections(ctx); err != nil {
			l.Warn().Err(err).Msg("failed to read cluster connections")
		} else {
			cluster = total
		}
	}

	byKind := make(map[string]any)
	for kind, n := range s.hub.CountByKind() {
		byKind[string(kind)] = n
	}

	e := domain.NewEvent(domain.EventConnectionStats, "", "", map[string]any{
		domain.DataServerID: s.serverID,
		domain.DataLocal:    local,
		domain.DataCluster:  cluster,
		domain.DataByKind:   byKind,
	})
	s.hub.Notify(e)
	return e
}
