package service

import (
	"context"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

// EventPublisher is the realtime publisher facade.
type EventPublisher interface {
	PublishStreamStarted(streamID, userID, category, title string) *domain.Event
	PublishStreamEnded(streamID, userID, category, reason string) *domain.Event
	PublishViewerJoined(streamID, userID string, viewerCount int) *domain.Event
	PublishViewerLeft(streamID, userID string, viewerCount int) *domain.Event
	PublishViewerCountUpdated(streamID string, viewerCount int) *domain.Event
	PublishMessagePinned(streamID, userID, messageID, content string) *domain.Event
	PublishMessageUnpinned(streamID, userID, messageID string) *domain.Event
}

// RealtimeService turns application actions into stored state and realtime
// events.
type RealtimeService interface {
	// JoinStream adds userID to the stream's audience and announces it.
	JoinStream(ctx context.Context, streamID, userID string) (int64, error)

	// LeaveStream removes userID from the audience and announces it.
	LeaveStream(ctx context.Context, streamID, userID string) (int64, error)

	// PinMessage announces a pinned chat message.
	PinMessage(ctx context.Context, streamID, userID, messageID, content string) (*domain.Event, error)

	// UnpinMessage announces an unpinned chat message.
	UnpinMessage(ctx context.Context, streamID, userID, messageID string) (*domain.Event, error)

	// LiveStreams lists the streams currently live.
	LiveStreams(ctx context.Context) ([]domain.LiveStream, error)

	// HandleBroadcastEvent handles a broadcast event from Kafka.
	HandleBroadcastEvent(ctx context.Context, event *kafka.BroadcastEvent) error

	// Stop cancels pending grace period timers.
	Stop()
}
