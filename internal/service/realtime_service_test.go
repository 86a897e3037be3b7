package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *fakePublisher) record(t domain.EventType, streamID, userID string, data map[string]any) *domain.Event {
	e := domain.NewEvent(t, streamID, userID, data)
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return e
}

func (p *fakePublisher) PublishStreamStarted(streamID, userID, category, title string) *domain.Event {
	return p.record(domain.EventStreamStarted, streamID, userID, map[string]any{domain.DataCategory: category, domain.DataTitle: title})
}

func (p *fakePublisher) PublishStreamEnded(streamID, userID, category, reason string) *domain.Event {
	return p.record(domain.EventStreamEnded, streamID, userID, map[string]any{domain.DataCategory: category, domain.DataReason: reason})
}

func (p *fakePublisher) PublishViewerJoined(streamID, userID string, n int) *domain.Event {
	return p.record(domain.EventViewerJoined, streamID, userID, map[string]any{domain.DataViewerCount: n})
}

func (p *fakePublisher) PublishViewerLeft(streamID, userID string, n int) *domain.Event {
	return p.record(domain.EventViewerLeft, streamID, userID, map[string]any{domain.DataViewerCount: n})
}

func (p *fakePublisher) PublishViewerCountUpdated(streamID string, n int) *domain.Event {
	return p.record(domain.EventViewerCountUpdated, streamID, "", map[string]any{domain.DataViewerCount: n})
}

func (p *fakePublisher) PublishMessagePinned(streamID, userID, messageID, content string) *domain.Event {
	return p.record(domain.EventChatMessagePinned, streamID, userID, map[string]any{domain.DataMessageID: messageID})
}

func (p *fakePublisher) PublishMessageUnpinned(streamID, userID, messageID string) *domain.Event {
	return p.record(domain.EventChatMessageUnpinned, streamID, userID, map[string]any{domain.DataMessageID: messageID})
}

func (p *fakePublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *fakePublisher) last() *domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func newTestService(t *testing.T, cfg Config) (RealtimeService, store.Store, *fakePublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	pub := &fakePublisher{}
	svc := NewRealtimeService(st, pub, cfg)
	t.Cleanup(func() {
		svc.Stop()
		st.Close()
	})
	return svc, st, pub
}

func TestJoinLeave(t *testing.T) {
	svc, _, pub := newTestService(t, Config{})
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		_, err := svc.JoinStream(ctx, "s1", u)
		require.NoError(t, err)
	}
	n, _ := pub.last().DataInt(domain.DataViewerCount)
	assert.Equal(t, 4, n)

	count, err := svc.LeaveStream(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	types := pub.types()
	assert.Equal(t, []domain.EventType{domain.EventViewerLeft, domain.EventViewerCountUpdated}, types[len(types)-2:])

	_, err = svc.JoinStream(ctx, "", "u1")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPins(t *testing.T) {
	svc, _, pub := newTestService(t, Config{})
	ctx := context.Background()

	e, err := svc.PinMessage(ctx, "s1", "u1", "m1", "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.EventChatMessagePinned, e.Type)

	_, err = svc.UnpinMessage(ctx, "s1", "u1", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.UnpinMessage(ctx, "s1", "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{domain.EventChatMessagePinned, domain.EventChatMessageUnpinned}, pub.types())
}

func TestBroadcastLifecycle(t *testing.T) {
	svc, st, pub := newTestService(t, Config{})
	ctx := context.Background()

	require.NoError(t, svc.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{
		Type: kafka.EventBroadcastStarted, RoomID: "s1", BroadcasterID: "u1", Category: "tech", Title: "hi",
	}))

	live, err := svc.LiveStreams(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "tech", live[0].Category)

	require.NoError(t, svc.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{
		Type: kafka.EventBroadcastStopped, RoomID: "s1", Reason: kafka.ReasonExplicit,
	}))

	ended := pub.last()
	assert.Equal(t, domain.EventStreamEnded, ended.Type)
	assert.Equal(t, "tech", ended.Category(), "ended carries the category the stream started with")
	assert.Equal(t, "u1", ended.UserID)

	got, err := st.GetLive(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, svc.HandleBroadcastEvent(ctx, &kafka.BroadcastEvent{Type: "unknown", RoomID: "s1"}))
}

func TestDisconnectGracePeriod(t *testing.T) {
	svc, _, pub := newTestService(t, Config{GracePeriod: 30 * time.Millisecond})
	ctx := context.Background()

	start := &kafka.BroadcastEvent{Type: kafka.EventBroadcastStarted, RoomID: "s1", BroadcasterID: "u1"}
	drop := &kafka.BroadcastEvent{Type: kafka.EventBroadcastStopped, RoomID: "s1", Reason: kafka.ReasonDisconnect}

	require.NoError(t, svc.HandleBroadcastEvent(ctx, start))
	require.NoError(t, svc.HandleBroadcastEvent(ctx, drop))
	require.NoError(t, svc.HandleBroadcastEvent(ctx, start))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []domain.EventType{domain.EventStreamStarted}, pub.types(), "reconnect inside the grace period is silent")

	require.NoError(t, svc.HandleBroadcastEvent(ctx, drop))
	require.Eventually(t, func() bool {
		types := pub.types()
		return types[len(types)-1] == domain.EventStreamEnded
	}, time.Second, 5*time.Millisecond)
}
