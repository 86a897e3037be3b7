package store

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

// Store holds the shared state behind the realtime events: who watches a
// stream, which streams are live and how many connections each instance
// holds.
type Store interface {
	// AddViewer adds viewerID to the stream's audience and returns the new count.
	AddViewer(ctx context.Context, streamID, viewerID string) (int64, error)

	// RemoveViewer removes viewerID and returns the new count.
	RemoveViewer(ctx context.Context, streamID, viewerID string) (int64, error)

	// ViewerCount returns the audience size of a stream.
	ViewerCount(ctx context.Context, streamID string) (int64, error)

	// SetLive records a stream as live.
	SetLive(ctx context.Context, stream domain.LiveStream) error

	// SetOffline removes a stream from the live set and drops its audience.
	// It returns the entry that was removed, or nil if the stream was not live.
	SetOffline(ctx context.Context, streamID string) (*domain.LiveStream, error)

	// GetLive returns the live entry of a stream, or nil if it is not live.
	GetLive(ctx context.Context, streamID string) (*domain.LiveStream, error)

	// LiveStreams returns every live stream with its current viewer count.
	LiveStreams(ctx context.Context) ([]domain.LiveStream, error)

	// ReportInstance records the connection count of one server instance.
	// The record expires after ttl unless reported again.
	ReportInstance(ctx context.Context, serverID string, connections int, ttl time.Duration) error

	// ClusterConnections sums the counts of every instance still reporting.
	ClusterConnections(ctx context.Context) (int64, error)

	// Close closes the store connection.
	Close() error
}
