package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
)

// Config holds service tuning.
type Config struct {
	// GracePeriod delays going offline after a broadcaster disconnects so a
	// quick reconnect does not flap the directory.
	GracePeriod time.Duration
}

type realtimeService struct {
	store     store.Store
	publisher EventPublisher
	config    Config

	timersMu          sync.Mutex
	gracePeriodTimers map[string]*time.Timer
}

// NewRealtimeService creates a RealtimeService.
func NewRealtimeService(st store.Store, pub EventPublisher, cfg Config) RealtimeService {
	return &realtimeService{
		store:             st,
		publisher:         pub,
		config:            cfg,
		gracePeriodTimers: make(map[string]*time.Timer),
	}
}

func (s *realtimeService) JoinStream(ctx context.Context, streamID, userID string) (int64, error) {
	if strings.TrimSpace(streamID) == "" || userID == "" {
		return 0, ErrInvalidArgument
	}

	count, err := s.store.AddViewer(ctx, streamID, userID)
	if err != nil {
		return 0, err
	}

	s.publisher.PublishViewerJoined(streamID, userID, int(count))
	s.publisher.PublishViewerCountUpdated(streamID, int(count))
	return count, nil
}

func (s *realtimeService) LeaveStream(ctx context.Context, streamID, userID string) (int64, error) {
	if strings.TrimSpace(streamID) == "" || userID == "" {
		return 0, ErrInvalidArgument
	}

	count, err := s.store.RemoveViewer(ctx, streamID, userID)
	if err != nil {
		return 0, err
	}

	s.publisher.PublishViewerLeft(streamID, userID, int(count))
	s.publisher.PublishViewerCountUpdated(streamID, int(count))
	return count, nil
}

func (s *realtimeService) PinMessage(ctx context.Context, streamID, userID, messageID, content string) (*domain.Event, error) {
	if strings.TrimSpace(streamID) == "" || messageID == "" {
		return nil, ErrInvalidArgument
	}
	return s.publisher.PublishMessagePinned(streamID, userID, messageID, content), nil
}

func (s *realtimeService) UnpinMessage(ctx context.Context, streamID, userID, messageID string) (*domain.Event, error) {
	if strings.TrimSpace(streamID) == "" || messageID == "" {
		return nil, ErrInvalidArgument
	}
	return s.publisher.PublishMessageUnpinned(streamID, userID, messageID), nil
}

func (s *realtimeService) LiveStreams(ctx context.Context) ([]domain.LiveStream, error) {
	return s.store.LiveStreams(ctx)
}

func (s *realtimeService) HandleBroadcastEvent(ctx context.Context, event *kafka.BroadcastEvent) error {
	switch event.Type {
	case kafka.EventBroadcastStarted:
		return s.handleBroadcastStarted(ctx, event)
	case kafka.EventBroadcastStopped:
		return s.handleBroadcastStopped(ctx, event)
	default:
		l := log.L()
		l.Warn().Str("type", event.Type).Msg("unknown broadcast event type")
		return nil
	}
}

func (s *realtimeService) handleBroadcastStarted(ctx context.Context, event *kafka.BroadcastEvent) error {
	// A reconnect inside the grace period resumes the stream silently.
	if s.cancelGracePeriod(event.RoomID) {
		live, err := s.store.GetLive(ctx, event.RoomID)
		if err == nil && live != nil {
			return nil
		}
	}

	stream := domain.LiveStream{
		StreamID: event.RoomID,
		UserID:   event.BroadcasterID,
		Category: event.Category,
		Title:    event.Title,
	}
	if event.Timestamp > 0 {
		stream.StartedAt = time.Unix(event.Timestamp, 0)
	}
	if err := s.store.SetLive(ctx, stream); err != nil {
		return err
	}

	s.publisher.PublishStreamStarted(event.RoomID, event.BroadcasterID, event.Category, event.Title)

	l := log.L()
	l.Info().Str(log.FieldStreamID, event.RoomID).Str(log.FieldUserID, event.BroadcasterID).Msg("stream is now live")
	return nil
}

func (s *realtimeService) handleBroadcastStopped(ctx context.Context, event *kafka.BroadcastEvent) error {
	if event.Reason == kafka.ReasonDisconnect && s.config.GracePeriod > 0 {
		s.startGracePeriod(event.RoomID, event.BroadcasterID)
		return nil
	}
	s.cancelGracePeriod(event.RoomID)
	return s.setOffline(ctx, event.RoomID, event.BroadcasterID, event.Reason)
}

func (s *realtimeService) setOffline(ctx context.Context, streamID, userID, reason string) error {
	prev, err := s.store.SetOffline(ctx, streamID)
	if err != nil {
		return err
	}

	category := ""
	if prev != nil {
		category = prev.Category
		if userID == "" {
			userID = prev.UserID
		}
	}
	s.publisher.PublishStreamEnded(streamID, userID, category, reason)

	l := log.L()
	l.Info().Str(log.FieldStreamID, streamID).Str("reason", reason).Msg("stream is now offline")
	return nil
}

func (s *realtimeService) startGracePeriod(streamID, userID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if timer, exists := s.gracePeriodTimers[streamID]; exists {
		timer.Stop()
	}

	s.gracePeriodTimers[streamID] = time.AfterFunc(s.config.GracePeriod, func() {
		s.timersMu.Lock()
		delete(s.gracePeriodTimers, streamID)
		s.timersMu.Unlock()

		l := log.L()
		if err := s.setOffline(context.Background(), streamID, userID, kafka.ReasonDisconnect); err != nil {
			l.Error().Err(err).Str(log.FieldStreamID, streamID).Msg("failed to set stream offline after grace period")
		}
	})

	l := log.L()
	l.Info().Str(log.FieldStreamID, streamID).Dur("grace_period", s.config.GracePeriod).Msg("broadcaster disconnected, grace period started")
}

func (s *realtimeService) cancelGracePeriod(streamID string) bool {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	timer, exists := s.gracePeriodTimers[streamID]
	if !exists {
		return false
	}
	timer.Stop()
	delete(s.gracePeriodTimers, streamID)
	return true
}

func (s *realtimeService) Stop() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	for id, timer := range s.gracePeriodTimers {
		timer.Stop()
		delete(s.gracePeriodTimers, id)
	}
}
