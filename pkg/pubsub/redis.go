package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// RedisPubSub implements PubSub interface using Redis.
type RedisPubSub struct {
	client        *redis.Client
	subscriptions map[string]*redis.PubSub
	bufferLen     int
	mu            sync.Mutex
}

// NewRedisPubSub creates a new Redis-based PubSub instance.
func NewRedisPubSub(cfg RedisConfig, bufferLen int) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisPubSubFromClient(client, bufferLen), nil
}

// NewRedisPubSubFromClient wraps an existing client. The PubSub takes
// ownership and closes the client on Close.
func NewRedisPubSubFromClient(client *redis.Client, bufferLen int) *RedisPubSub {
	if bufferLen <= 0 {
		bufferLen = 256
	}
	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[string]*redis.PubSub),
		bufferLen:     bufferLen,
	}
}

// Publish publishes a payload to the specified channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Message, error) {
	return r.subscribe(ctx, channel, r.client.Subscribe(ctx, channel))
}

// SubscribePattern subscribes to channels matching a pattern.
func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Message, error) {
	return r.subscribe(ctx, pattern, r.client.PSubscribe(ctx, pattern))
}

func (r *RedisPubSub) subscribe(ctx context.Context, key string, ps *redis.PubSub) (<-chan *Message, error) {
	// Wait for the subscription to be confirmed so broker outages surface here
	// instead of as a silently idle channel.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}

	r.mu.Lock()
	if existing, ok := r.subscriptions[key]; ok {
		existing.Close()
	}
	r.subscriptions[key] = ps
	r.mu.Unlock()

	msgCh := make(chan *Message, r.bufferLen)
	go r.processMessages(ctx, key, ps, msgCh)

	return msgCh, nil
}

// Unsubscribe unsubscribes from a channel or pattern.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ps, ok := r.subscriptions[channel]; ok {
		delete(r.subscriptions, channel)
		if err := ps.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all subscriptions and the Redis client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	for key, ps := range r.subscriptions {
		ps.Close()
		delete(r.subscriptions, key)
	}
	r.mu.Unlock()

	return r.client.Close()
}

// processMessages forwards messages from the Redis pubsub to msgCh.
func (r *RedisPubSub) processMessages(ctx context.Context, key string, ps *redis.PubSub, msgCh chan<- *Message) {
	defer close(msgCh)
	defer func() {
		if ctx.Err() != nil {
			r.release(key, ps)
		}
	}()
	l := pkglog.L()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m := &Message{Channel: msg.Channel, Pattern: msg.Pattern, Payload: []byte(msg.Payload)}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			default:
				l.Warn().Str(pkglog.FieldChannel, msg.Channel).Msg("redis pubsub buffer full, message dropped")
			}
		}
	}
}

func (r *RedisPubSub) release(key string, ps *redis.PubSub) {
	r.mu.Lock()
	if r.subscriptions[key] == ps {
		delete(r.subscriptions, key)
	}
	r.mu.Unlock()
	ps.Close()
}
