package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/pubsub"
)

var ErrNoChannel = errors.New("event has no broker channel")

// Handler receives events that originated on another instance.
type Handler func(e *domain.Event)

// Broadcaster is the local fan-out the bridge feeds.
type Broadcaster interface {
	Broadcast(e *domain.Event) int
}

// Bridge carries events between instances over a shared broker. Every
// outgoing event is wrapped in an envelope carrying this instance's server
// id; envelopes carrying our own id are dropped on receipt.
type Bridge struct {
	ps       pubsub.PubSub
	serverID string

	minBackoff time.Duration
	maxBackoff time.Duration

	wg sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBackoff sets the resubscribe delay bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(b *Bridge) {
		b.minBackoff = min
		b.maxBackoff = max
	}
}

// New creates a bridge over ps identified by serverID.
func New(ps pubsub.PubSub, serverID string, opts ...Option) *Bridge {
	b := &Bridge{
		ps:         ps,
		serverID:   serverID,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ServerID returns the id stamped on outgoing envelopes.
func (b *Bridge) ServerID() string {
	return b.serverID
}

// ChannelFor returns the broker channel an event travels on: the directory
// channel for lifecycle events, the stream's own channel for presence events.
func ChannelFor(e *domain.Event) (string, error) {
	switch e.Type.Class() {
	case domain.ClassLifecycle:
		return pubsub.ChannelDirectory, nil
	case domain.ClassPresence:
		if e.StreamID == "" {
			return "", domain.ErrMissingStreamID
		}
		return pubsub.StreamChannel(e.StreamID), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNoChannel, e.Type)
	}
}

// Publish wraps e in an envelope and sends it to channel.
func (b *Bridge) Publish(ctx context.Context, channel string, e *domain.Event) error {
	payload, err := json.Marshal(domain.NewEnvelope(b.serverID, e))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.ps.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// PublishEvent publishes e on the channel derived from its type.
func (b *Bridge) PublishEvent(ctx context.Context, e *domain.Event) error {
	channel, err := ChannelFor(e)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, e)
}

// Subscribe delivers events received on channel to handler, skipping our own.
// The subscription is kept alive until ctx is done: if the broker drops it,
// the bridge resubscribes with capped exponential backoff. The returned error
// is that of the first attempt; retries continue either way.
func (b *Bridge) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return b.start(ctx, channel, false, handler)
}

// SubscribePattern is Subscribe for a glob pattern such as
// pubsub.PatternAllStreams.
func (b *Bridge) SubscribePattern(ctx context.Context, pattern string, handler Handler) error {
	return b.start(ctx, pattern, true, handler)
}

// Forward feeds every remote lifecycle and presence event into local. Local
// routing filters what reaches each connection.
func (b *Bridge) Forward(ctx context.Context, local Broadcaster) error {
	handler := func(e *domain.Event) { local.Broadcast(e) }
	return errors.Join(
		b.Subscribe(ctx, pubsub.ChannelDirectory, handler),
		b.SubscribePattern(ctx, pubsub.PatternAllStreams, handler),
	)
}

// Wait blocks until every subscription loop has exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) subscribe(ctx context.Context, key string, pattern bool) (<-chan *pubsub.Message, error) {
	if pattern {
		return b.ps.SubscribePattern(ctx, key)
	}
	return b.ps.Subscribe(ctx, key)
}

func (b *Bridge) start(ctx context.Context, key string, pattern bool, handler Handler) error {
	msgs, err := b.subscribe(ctx, key, pattern)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx, key, pattern, handler, msgs)
	}()
	return err
}

func (b *Bridge) run(ctx context.Context, key string, pattern bool, handler Handler, msgs <-chan *pubsub.Message) {
	l := log.L().With().Str(log.FieldChannel, key).Logger()
	delay := b.minBackoff

	for {
		if msgs != nil {
			l.Info().Msg("broker subscription active")
			delay = b.minBackoff
			for msg := range msgs {
				b.handle(msg, handler)
			}
			if ctx.Err() != nil {
				return
			}
			l.Warn().Msg("broker subscription lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		var err error
		msgs, err = b.subscribe(ctx, key, pattern)
		if err != nil {
			l.Warn().Err(err).Dur("retry_in", delay).Msg("broker subscribe failed")
			msgs = nil
			delay = min(delay*2, b.maxBackoff)
		}
	}
}

func (b *Bridge) handle(msg *pubsub.Message, handler Handler) {
	env, err := domain.ParseEnvelope(msg.Payload)
	if err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldChannel, msg.Channel).Msg("dropping malformed envelope")
		return
	}
	if env.ServerID == b.serverID {
		return
	}

	l := log.L()
	l.Debug().
		Str(log.FieldChannel, msg.Channel).
		Str(log.FieldEventType, string(env.Event.Type)).
		Str("origin", env.ServerID).
		Msg("remote event received")
	handler(env.Event)
}
