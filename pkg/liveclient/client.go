package liveclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

const dedupeWindow = 512

// Options configures a Client.
type Options struct {
	Dialer  Dialer
	Backoff Backoff

	// OnEvent receives every de-duplicated application event, including
	// types this package does not know.
	OnEvent func(e *domain.Event)
	// OnStateChange receives a snapshot after every state transition.
	OnStateChange func(s Snapshot)

	Logger *zerolog.Logger

	// After schedules reconnect timers. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time
}

// Client keeps one subscription to the realtime event stream alive. Each
// Connect starts a session owned by a single goroutine; Disconnect ends it.
// Callbacks run on the session goroutine. Once Disconnect, Resubscribe or
// Connect returns, no callback of the previous session is running or will
// run. Callbacks must therefore not call those methods synchronously.
type Client struct {
	opts    Options
	backoff Backoff
	logger  zerolog.Logger

	mu        sync.Mutex
	sub       domain.Subscription
	sess      *session
	state     State
	lastEvent *domain.Event
	stats     map[string]any
	attempt   int
	err       error
	listeners map[int]func(*domain.Event)
	nextID    int

	seen     map[string]struct{}
	seenRing []string
	seenPos  int
}

type session struct {
	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	// cbMu is held while a callback runs. Stopping a session flips active
	// and then takes cbMu once, so no callback outlives the stop.
	cbMu sync.Mutex

	mu     sync.Mutex
	stream Stream
}

// setStream records the open stream unless the session was stopped.
func (s *session) setStream(st Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return false
	}
	s.stream = st
	return true
}

// callback runs fn unless the session was stopped.
func (s *session) callback(fn func()) bool {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if !s.active.Load() {
		return false
	}
	fn()
	return true
}

// quiesce waits for a running callback to finish. active must already be
// false.
func (s *session) quiesce() {
	if s == nil {
		return
	}
	s.cbMu.Lock()
	s.cbMu.Unlock()
}

func (s *session) closeStream() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
}

// New creates a disconnected client for sub.
func New(sub domain.Subscription, opts Options) *Client {
	logger := log.L()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.After == nil {
		opts.After = time.After
	}

	return &Client{
		opts:      opts,
		backoff:   opts.Backoff.normalized(),
		logger:    logger,
		sub:       sub,
		listeners: make(map[int]func(*domain.Event)),
		seen:      make(map[string]struct{}, dedupeWindow),
		seenRing:  make([]string, dedupeWindow),
	}
}

// Connect starts a session. An open session is torn down first.
func (c *Client) Connect() {
	c.mu.Lock()
	old := c.startLocked()
	c.mu.Unlock()
	old.quiesce()
}

// Reconnect restarts the attempt counter and connects again. It is the way
// out of the terminal state.
func (c *Client) Reconnect() {
	c.Connect()
}

// Resubscribe switches to a new subscription by disconnecting the old one
// and opening a fresh one.
func (c *Client) Resubscribe(sub domain.Subscription) {
	c.mu.Lock()
	c.sub = sub
	old := c.startLocked()
	c.mu.Unlock()
	old.quiesce()
}

// Disconnect cancels any pending reconnect, closes the stream and moves to
// Disconnected without firing callbacks. It returns once no callback of the
// session is running. Calling it again, or before any Connect, does nothing.
// Use Done to wait for the session goroutine itself.
func (c *Client) Disconnect() {
	c.mu.Lock()
	old := c.stopLocked()
	c.mu.Unlock()
	old.quiesce()
}

// Done is closed when the current session's goroutine has exited. It is
// already closed when there is no session.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.sess.done
}

// Snapshot returns the current state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscription returns the current subscription parameters.
func (c *Client) Subscription() domain.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// AddListener registers fn for every delivered event and returns a function
// that removes it.
func (c *Client) AddListener(fn func(*domain.Event)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) snapshotLocked() Snapshot {
	return Snapshot{
		State:            c.state,
		IsConnected:      c.state == StateConnected,
		LastEvent:        c.lastEvent,
		Stats:            c.stats,
		ReconnectAttempt: c.attempt,
		Err:              c.err,
	}
}

// startLocked replaces the current session and returns the stopped one.
func (c *Client) startLocked() *session {
	old := c.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}
	s.active.Store(true)

	c.sess = s
	c.attempt = 0
	c.err = nil

	go c.run(ctx, s, c.sub)
	return old
}

// stopLocked ends the current session, if any, and returns it so the caller
// can quiesce it after releasing c.mu.
func (c *Client) stopLocked() *session {
	s := c.sess
	if s != nil {
		c.sess = nil
		s.active.Store(false)
		s.cancel()
		s.closeStream()
	}
	c.state = StateDisconnected
	return s
}

// update applies fn to the client state if s is still the live session and
// notifies OnStateChange.
func (c *Client) update(s *session, fn func()) bool {
	c.mu.Lock()
	if !s.active.Load() {
		c.mu.Unlock()
		return false
	}
	fn()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if c.opts.OnStateChange == nil {
		return s.active.Load()
	}
	return s.callback(func() { c.opts.OnStateChange(snap) })
}

func (c *Client) run(ctx context.Context, s *session, sub domain.Subscription) {
	defer close(s.done)

	for {
		if !c.update(s, func() { c.state = StateConnecting }) {
			return
		}

		err := c.connectOnce(ctx, s, sub)
		if ctx.Err() != nil || !s.active.Load() {
			return
		}

		var (
			delay    time.Duration
			terminal bool
		)
		alive := c.update(s, func() {
			c.attempt++
			if c.attempt >= c.backoff.MaxAttempts {
				terminal = true
				c.state = StateDisconnected
				c.err = fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
				return
			}
			delay = c.backoff.Delay(c.attempt - 1)
			c.state = StateReconnecting
			c.err = err
		})

		if !alive {
			return
		}
		if terminal {
			c.logger.Warn().Err(err).Int("attempts", c.backoff.MaxAttempts).Msg("realtime stream gave up reconnecting")
			return
		}
		c.logger.Debug().Err(err).Dur("retry_in", delay).Msg("realtime stream lost")

		select {
		case <-ctx.Done():
			return
		case <-c.opts.After(delay):
		}
	}
}

// connectOnce dials and consumes one stream until it breaks.
func (c *Client) connectOnce(ctx context.Context, s *session, sub domain.Subscription) error {
	stream, err := c.opts.Dialer.Dial(ctx, sub)
	if err != nil {
		return err
	}
	if !s.setStream(stream) {
		stream.Close()
		return context.Canceled
	}
	defer s.closeStream()

	c.markConnected(s)

	for {
		raw, err := stream.Next()
		if err != nil {
			return err
		}
		c.dispatch(s, raw)
	}
}

func (c *Client) markConnected(s *session) {
	c.update(s, func() {
		c.state = StateConnected
		c.attempt = 0
		c.err = nil
	})
}

func (c *Client) dispatch(s *session, raw *RawEvent) {
	if raw.Event == string(domain.EventPing) {
		return
	}

	e, err := domain.ParseEvent(raw.Data)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", raw.Event).Msg("dropping malformed realtime event")
		return
	}
	if e.Type == domain.EventPing {
		return
	}

	c.mu.Lock()
	if !s.active.Load() || c.duplicateLocked(e.ID) {
		c.mu.Unlock()
		return
	}
	c.lastEvent = e
	if e.Type == domain.EventConnectionStats {
		c.stats = e.Data
	}
	listeners := make([]func(*domain.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	if e.Type == domain.EventConnectionEstablished {
		c.markConnected(s)
	}

	for _, fn := range listeners {
		if !s.callback(func() { fn(e) }) {
			return
		}
	}
	if c.opts.OnEvent != nil {
		s.callback(func() { c.opts.OnEvent(e) })
	}
}

// duplicateLocked records id and reports whether it was seen recently.
func (c *Client) duplicateLocked(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := c.seen[id]; ok {
		return true
	}
	if old := c.seenRing[c.seenPos]; old != "" {
		delete(c.seen, old)
	}
	c.seenRing[c.seenPos] = id
	c.seenPos = (c.seenPos + 1) % dedupeWindow
	c.seen[id] = struct{}{}
	return false
}
