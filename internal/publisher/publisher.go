package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// Local delivers an event to this instance's connections.
type Local interface {
	Broadcast(e *domain.Event) int
}

// Remote propagates an event to the other instances.
type Remote interface {
	PublishEvent(ctx context.Context, e *domain.Event) error
}

// Config bounds the asynchronous broker path.
type Config struct {
	OutboxSize     int
	PublishTimeout time.Duration
}

// Publisher is the only entry point for application code to emit realtime
// events. Every event is broadcast locally before it is queued for the
// broker, so a slow or unreachable broker never delays local clients.
type Publisher struct {
	local   Local
	remote  Remote
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	outbox chan *domain.Event
	done   chan struct{}
}

// New starts a publisher. remote may be nil for a single-instance setup.
func New(local Local, remote Remote, cfg Config) *Publisher {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}

	p := &Publisher{
		local:   local,
		remote:  remote,
		timeout: cfg.PublishTimeout,
		outbox:  make(chan *domain.Event, cfg.OutboxSize),
		done:    make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish broadcasts e locally and queues it for the other instances. It
// returns the number of local deliveries.
func (p *Publisher) Publish(e *domain.Event) int {
	l := log.L()
	if err := e.Validate(); err != nil {
		l.Warn().Err(err).Str(log.FieldEventType, string(e.Type)).Msg("refusing to publish invalid event")
		return 0
	}

	delivered := p.local.Broadcast(e)

	if p.remote == nil {
		return delivered
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return delivered
	}
	select {
	case p.outbox <- e:
	default:
		l.Warn().
			Str(log.FieldEventType, string(e.Type)).
			Str(log.FieldEventID, e.ID).
			Msg("outbox full, event not propagated")
	}
	return delivered
}

func (p *Publisher) drain() {
	defer close(p.done)

	for e := range p.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.remote.PublishEvent(ctx, e)
		cancel()

		if err != nil {
			l := log.L()
			l.Warn().Err(err).
				Str(log.FieldEventType, string(e.Type)).
				Str(log.FieldEventID, e.ID).
				Str(log.FieldStreamID, e.StreamID).
				Msg("failed to propagate event")
		}
	}
}

// Close stops accepting broker work and waits for queued events to be
// flushed or ctx to be done. Local broadcast keeps working after Close.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.outbox)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishStreamStarted announces a stream going live.
func (p *Publisher) PublishStreamStarted(streamID, userID, category, title string) *domain.Event {
	data := map[string]any{}
	if category != "" {
		data[domain.DataCategory] = category
	}
	if title != "" {
		data[domain.DataTitle] = title
	}
	e := domain.NewEvent(domain.EventStreamStarted, streamID, userID, data)
	p.Publish(e)
	return e
}

// PublishStreamEnded announces a stream going offline. category should be
// the one the stream started with so filtered directory listeners see it.
func (p *Publisher) PublishStreamEnded(streamID, userID, category, reason string) *domain.Event {
	data := map[string]any{}
	if category != "" {
		data[domain.DataCategory] = category
	}
	if reason != "" {
		data[domain.DataReason] = reason
	}
	e := domain.NewEvent(domain.EventStreamEnded, streamID, userID, data)
	p.Publish(e)
	return e
}

func (p *Publisher) PublishViewerJoined(streamID, userID string, viewerCount int) *domain.Event {
	e := domain.NewEvent(domain.EventViewerJoined, streamID, userID, map[string]any{
		domain.DataViewerCount: viewerCount,
	})
	p.Publish(e)
	return e
}

func (p *Publisher) PublishViewerLeft(streamID, userID string, viewerCount int) *domain.Event {
	e := domain.NewEvent(domain.EventViewerLeft, streamID, userID, map[string]any{
		domain.DataViewerCount: viewerCount,
	})
	p.Publish(e)
	return e
}

func (p *Publisher) PublishViewerCountUpdated(streamID string, viewerCount int) *domain.Event {
	e := domain.NewEvent(domain.EventViewerCountUpdated, streamID, "", map[string]any{
		domain.DataViewerCount: viewerCount,
	})
	p.Publish(e)
	return e
}

func (p *Publisher) PublishMessagePinned(streamID, userID, messageID, content string) *domain.Event {
	e := domain.NewEvent(domain.EventChatMessagePinned, streamID, userID, map[string]any{
		domain.DataMessageID: messageID,
		domain.DataContent:   content,
	})
	p.Publish(e)
	return e
}

func (p *Publisher) PublishMessageUnpinned(streamID, userID, messageID string) *domain.Event {
	e := domain.NewEvent(domain.EventChatMessageUnpinned, streamID, userID, map[string]any{
		domain.DataMessageID: messageID,
	})
	p.Publish(e)
	return e
}
