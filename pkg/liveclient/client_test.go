package liveclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

type fakeStream struct {
	events chan *RawEvent
	closed chan struct{}
	once   sync.Once
	closes int
	mu     sync.Mutex
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan *RawEvent, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (*RawEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) send(e *domain.Event) {
	data, _ := e.Marshal()
	s.events <- &RawEvent{ID: e.ID, Event: string(e.Type), Data: data}
}

type dialResult struct {
	stream *fakeStream
	err    error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	subs    []domain.Subscription
	// fallback is returned once results run out.
	fallback error
}

func (d *fakeDialer) Dial(ctx context.Context, sub domain.Subscription) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, sub)
	if len(d.results) == 0 {
		if d.fallback == nil {
			return nil, errors.New("connection refused")
		}
		return nil, d.fallback
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.stream, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	never  bool
}

func (r *timerRecorder) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()

	ch := make(chan time.Time, 1)
	if !r.never {
		ch <- time.Now()
	}
	return ch
}

func (r *timerRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func testBackoff(maxAttempts int) Backoff {
	return Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 50 * time.Millisecond, MaxAttempts: maxAttempts}
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func streamSub(id string) domain.Subscription {
	return domain.Subscription{Kind: domain.KindStream, StreamID: id}
}

func TestClient_ExhaustsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	timers := &timerRecorder{}
	c := New(streamSub("s1"), Options{Dialer: dialer, Backoff: testBackoff(4), After: timers.After, Logger: nopLogger()})

	c.Connect()
	waitDone(t, c)

	snap := c.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.False(t, snap.IsConnected)
	assert.ErrorIs(t, snap.Err, ErrReconnectExhausted)
	assert.Equal(t, 4, snap.ReconnectAttempt)
	assert.Equal(t, 4, dialer.dials(), "no attempts after the terminal state")

	delays := timers.recorded()
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestClient_ReconnectRestartsCounter(t *testing.T) {
	dialer := &fakeDialer{}
	c := New(streamSub("s1"), Options{Dialer: dialer, Backoff: testBackoff(2), After: (&timerRecorder{}).After, Logger: nopLogger()})

	c.Connect()
	waitDone(t, c)
	require.ErrorIs(t, c.Snapshot().Err, ErrReconnectExhausted)

	stream := newFakeStream()
	dialer.mu.Lock()
	dialer.results = []dialResult{{stream: stream}}
	dialer.mu.Unlock()

	c.Reconnect()
	require.Eventually(t, func() bool { return c.Snapshot().IsConnected }, time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	assert.Zero(t, snap.ReconnectAttempt)
	assert.NoError(t, snap.Err)

	c.Disconnect()
}

func TestClient_SuccessResetsAttempt(t *testing.T) {
	first := newFakeStream()
	dialer := &fakeDialer{results: []dialResult{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{stream: first},
	}}

	var mu sync.Mutex
	var states []Snapshot
	c := New(streamSub("s1"), Options{
		Dialer:  dialer,
		Backoff: testBackoff(5),
		After:   (&timerRecorder{}).After,
		Logger:  nopLogger(),
		OnStateChange: func(s Snapshot) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	c.Connect()
	require.Eventually(t, func() bool { return c.Snapshot().IsConnected }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Snapshot().ReconnectAttempt)

	mu.Lock()
	var sawReconnecting bool
	for _, s := range states {
		if s.State == StateReconnecting {
			sawReconnecting = true
			assert.Error(t, s.Err)
		}
	}
	mu.Unlock()
	assert.True(t, sawReconnecting)

	// The open stream breaks; the client starts over from attempt zero.
	close(first.events)
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.State != StateConnected && s.ReconnectAttempt >= 1
	}, time.Second, 5*time.Millisecond)

	c.Disconnect()
	waitDone(t, c)
}

func TestClient_DisconnectIsIdempotent(t *testing.T) {
	c := New(streamSub("s1"), Options{Dialer: &fakeDialer{}, Logger: nopLogger()})
	assert.NotPanics(t, c.Disconnect, "before any connection")

	stream := newFakeStream()
	var mu sync.Mutex
	afterDisconnect := false
	var lateCallbacks int

	c = New(streamSub("s1"), Options{
		Dialer: &fakeDialer{results: []dialResult{{stream: stream}}},
		Logger: nopLogger(),
		OnStateChange: func(Snapshot) {
			mu.Lock()
			if afterDisconnect {
				lateCallbacks++
			}
			mu.Unlock()
		},
		OnEvent: func(*domain.Event) {
			mu.Lock()
			if afterDisconnect {
				lateCallbacks++
			}
			mu.Unlock()
		},
	})
	c.Connect()
	require.Eventually(t, func() bool { return c.Snapshot().IsConnected }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	mu.Lock()
	afterDisconnect = true
	mu.Unlock()
	waitDone(t, c)

	c.Disconnect()
	stream.send(domain.NewEvent(domain.EventViewerJoined, "s1", "", nil))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateDisconnected, c.Snapshot().State)
	stream.mu.Lock()
	assert.Equal(t, 1, stream.closes)
	stream.mu.Unlock()
	mu.Lock()
	assert.Zero(t, lateCallbacks)
	mu.Unlock()
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	timers := &timerRecorder{never: true}
	c := New(streamSub("s1"), Options{Dialer: dialer, Backoff: testBackoff(5), After: timers.After, Logger: nopLogger()})

	c.Connect()
	require.Eventually(t, func() bool { return c.Snapshot().State == StateReconnecting }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	waitDone(t, c)
	assert.Equal(t, StateDisconnected, c.Snapshot().State)
	assert.Equal(t, 1, dialer.dials())
}

func TestClient_DedupeUnknownAndMalformed(t *testing.T) {
	stream := newFakeStream()
	var mu sync.Mutex
	var got []domain.EventType

	c := New(streamSub("s1"), Options{
		Dialer: &fakeDialer{results: []dialResult{{stream: stream}}},
		Logger: nopLogger(),
		OnEvent: func(e *domain.Event) {
			mu.Lock()
			got = append(got, e.Type)
			mu.Unlock()
		},
	})
	watcher := c.WatchViewerCount("s1", nil)

	c.Connect()
	require.Eventually(t, func() bool { return c.Snapshot().IsConnected }, time.Second, 5*time.Millisecond)

	joined := domain.NewEvent(domain.EventViewerJoined, "s1", "u1", map[string]any{domain.DataViewerCount: 2})
	stream.send(joined)
	stream.send(joined)
	stream.events <- &RawEvent{Event: "message", Data: []byte("{oops")}
	stream.events <- &RawEvent{Event: "ping", Data: []byte("{}")}
	future := &domain.Event{ID: "future-1", Type: "stream.reactions", StreamID: "s1", Data: map[string]any{domain.DataViewerCount: 99}}
	stream.send(future)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []domain.EventType{domain.EventViewerJoined, "stream.reactions"}, got)
	mu.Unlock()

	assert.Equal(t, domain.EventType("stream.reactions"), c.Snapshot().LastEvent.Type)
	n, ok := watcher.Count()
	assert.True(t, ok)
	assert.Equal(t, 2, n, "typed watcher ignores unknown types")

	c.Disconnect()
}

func TestClient_StatsAndEstablished(t *testing.T) {
	stream := newFakeStream()
	c := New(domain.Subscription{Kind: domain.KindGlobal}, Options{
		Dialer: &fakeDialer{results: []dialResult{{stream: stream}}},
		Logger: nopLogger(),
	})
	c.Connect()
	defer c.Disconnect()

	stream.send(domain.NewEvent(domain.EventConnectionEstablished, "", "", map[string]any{domain.DataConnectionID: "abc"}))
	stream.send(domain.NewEvent(domain.EventConnectionStats, "", "", map[string]any{domain.DataLocal: 3}))

	require.Eventually(t, func() bool { return c.Snapshot().Stats != nil }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, c.Snapshot().Stats[domain.DataLocal])
	assert.True(t, c.Snapshot().IsConnected)
}

func TestClient_Resubscribe(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	dialer := &fakeDialer{results: []dialResult{{stream: first}, {stream: second}}}
	c := New(streamSub("s1"), Options{Dialer: dialer, Logger: nopLogger()})

	c.Connect()
	require.Eventually(t, func() bool { return c.Snapshot().IsConnected }, time.Second, 5*time.Millisecond)

	c.Resubscribe(streamSub("s2"))
	select {
	case <-first.closed:
	default:
		t.Fatal("old stream must be closed before the new subscription opens")
	}

	require.Eventually(t, func() bool { return dialer.dials() == 2 && c.Snapshot().IsConnected }, time.Second, 5*time.Millisecond)
	dialer.mu.Lock()
	assert.Equal(t, []domain.Subscription{streamSub("s1"), streamSub("s2")}, dialer.subs)
	dialer.mu.Unlock()
	assert.Equal(t, streamSub("s2"), c.Subscription())

	c.Disconnect()
}

func TestClient_DisconnectWaitsForRunningCallback(t *testing.T) {
	stream := newFakeStream()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls atomic.Int32

	c := New(streamSub("s1"), Options{
		Dialer: &fakeDialer{results: []dialResult{{stream: stream}}},
		Logger: nopLogger(),
		OnEvent: func(*domain.Event) {
			calls.Add(1)
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	})
	c.Connect()
	require.Eventually(t, func() bool { return c.Snapshot().IsConnected }, time.Second, 5*time.Millisecond)

	stream.send(domain.NewEvent(domain.EventViewerJoined, "s1", "u1", nil))
	<-entered

	returned := make(chan struct{})
	go func() {
		c.Disconnect()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Disconnect returned while a callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return after the callback finished")
	}

	stream.send(domain.NewEvent(domain.EventViewerLeft, "s1", "u1", nil))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_NoCallbackAfterDisconnectReturns(t *testing.T) {
	for i := 0; i < 20; i++ {
		stream := newFakeStream()
		var stopped atomic.Bool
		var late atomic.Int32
		check := func() {
			if stopped.Load() {
				late.Add(1)
			}
		}

		c := New(streamSub("s1"), Options{
			Dialer:        &fakeDialer{results: []dialResult{{stream: stream}}},
			Logger:        nopLogger(),
			OnEvent:       func(*domain.Event) { check() },
			OnStateChange: func(Snapshot) { check() },
		})
		c.WatchViewerCount("s1", func(int) { check() })
		c.Connect()

		quit := make(chan struct{})
		go func() {
			for n := 0; ; n++ {
				e := domain.NewEvent(domain.EventViewerCountUpdated, "s1", "", map[string]any{domain.DataViewerCount: n})
				data, _ := e.Marshal()
				select {
				case stream.events <- &RawEvent{ID: e.ID, Event: string(e.Type), Data: data}:
				case <-quit:
					return
				}
			}
		}()

		time.Sleep(5 * time.Millisecond)
		c.Disconnect()
		stopped.Store(true)
		waitDone(t, c)
		close(quit)

		assert.Zero(t, late.Load(), "round %d", i)
	}
}
