package pubsub

import (
	"context"
	"errors"
	"path"
	"sync"
)

// ErrClosed is returned by a memory client after Close.
var ErrClosed = errors.New("pubsub: client closed")

// MemoryBroker is an in-process broker shared by any number of clients. It
// backs single-node deployments and lets tests run several "instances"
// against one broker.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	key     string
	pattern bool
	ch      chan *Message
	once    sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memorySub]struct{})}
}

// Client returns a new PubSub connected to the broker.
func (b *MemoryBroker) Client(bufferLen int) *MemoryPubSub {
	if bufferLen <= 0 {
		bufferLen = 256
	}
	return &MemoryPubSub{broker: b, bufferLen: bufferLen}
}

func (b *MemoryBroker) publish(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		m := &Message{Channel: channel, Payload: payload}
		if sub.pattern {
			ok, err := path.Match(sub.key, channel)
			if err != nil || !ok {
				continue
			}
			m.Pattern = sub.key
		} else if sub.key != channel {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			// Subscriber lagging; drop like a real broker would.
		}
	}
}

func (b *MemoryBroker) add(sub *memorySub) {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
}

func (b *MemoryBroker) remove(sub *memorySub) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		sub.close()
	}
	b.mu.Unlock()
}

// MemoryPubSub implements PubSub on top of a MemoryBroker.
type MemoryPubSub struct {
	broker    *MemoryBroker
	bufferLen int

	mu     sync.Mutex
	subs   map[string]*memorySub
	closed bool
	failed error
}

// Publish delivers payload to every matching subscription on the broker.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	closed, failed := m.closed, m.failed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if failed != nil {
		return failed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	m.broker.publish(channel, data)
	return nil
}

// Subscribe subscribes to an exact channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Message, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Message, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.failed != nil {
		err := m.failed
		m.mu.Unlock()
		return nil, err
	}
	if m.subs == nil {
		m.subs = make(map[string]*memorySub)
	}
	if existing, ok := m.subs[key]; ok {
		m.broker.remove(existing)
	}
	sub := &memorySub{key: key, pattern: pattern, ch: make(chan *Message, m.bufferLen)}
	m.subs[key] = sub
	m.mu.Unlock()

	m.broker.add(sub)

	go func() {
		<-ctx.Done()
		m.drop(key, sub)
	}()

	return sub.ch, nil
}

func (m *MemoryPubSub) drop(key string, sub *memorySub) {
	m.mu.Lock()
	if m.subs[key] == sub {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	m.broker.remove(sub)
}

// Unsubscribe removes the subscription registered under channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	sub, ok := m.subs[channel]
	if ok {
		delete(m.subs, channel)
	}
	m.mu.Unlock()
	if ok {
		m.broker.remove(sub)
	}
	return nil
}

// Fail simulates a broker outage: open subscriptions are closed and every
// call returns err until Recover is called.
func (m *MemoryPubSub) Fail(err error) {
	m.mu.Lock()
	m.failed = err
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		m.broker.remove(sub)
	}
}

// Recover ends a simulated outage.
func (m *MemoryPubSub) Recover() {
	m.mu.Lock()
	m.failed = nil
	m.mu.Unlock()
}

// Close closes every subscription owned by this client.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		m.broker.remove(sub)
	}
	return nil
}
