package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

type fakeTransport struct {
	mu      sync.Mutex
	frames  []Frame
	fail    error
	closed  bool
	closeCt int
}

func (t *fakeTransport) Send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.fail != nil {
		return t.fail
	}
	t.frames = append(t.frames, f)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCt++
	return nil
}

func (t *fakeTransport) events() []domain.EventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.EventType
	for _, f := range t.frames {
		if f.Kind == FrameEvent {
			out = append(out, f.Type)
		}
	}
	return out
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func stream(id string) domain.Subscription {
	return domain.Subscription{Kind: domain.KindStream, StreamID: id}
}

func directory(category string) domain.Subscription {
	return domain.Subscription{Kind: domain.KindDirectory, Category: category}
}

func TestRegister_Duplicate(t *testing.T) {
	h := New()
	require.NoError(t, h.Register("c1", stream("s1"), &fakeTransport{}))

	err := h.Register("c1", stream("s2"), &fakeTransport{})
	assert.ErrorIs(t, err, ErrDuplicateConnection)
	assert.Equal(t, 1, h.Count())
}

func TestRegister_InvalidSubscription(t *testing.T) {
	h := New()
	err := h.Register("c1", domain.Subscription{Kind: domain.KindStream}, &fakeTransport{})
	assert.ErrorIs(t, err, domain.ErrMissingStreamID)
	assert.Zero(t, h.Count())
}

func TestCount_RegisterUnregisterSequence(t *testing.T) {
	h := New()
	live := map[string]bool{}

	ops := []struct {
		register bool
		id       string
	}{
		{true, "a"}, {true, "b"}, {false, "a"}, {false, "a"}, {false, "zz"},
		{true, "c"}, {true, "a"}, {false, "b"}, {false, "c"}, {true, "d"},
	}
	for _, op := range ops {
		if op.register {
			require.NoError(t, h.Register(op.id, domain.Subscription{Kind: domain.KindGlobal}, &fakeTransport{}))
			live[op.id] = true
		} else {
			h.Unregister(op.id)
			delete(live, op.id)
		}
		assert.Equal(t, len(live), h.Count())
	}
}

func TestUnregister_ClosesTransportOnce(t *testing.T) {
	h := New()
	tr := &fakeTransport{}
	require.NoError(t, h.Register("c1", stream("s1"), tr))

	h.Unregister("c1")
	h.Unregister("c1")
	assert.Equal(t, 1, tr.closeCt)
}

func TestBroadcast_DeliverySets(t *testing.T) {
	h := New()
	transports := map[string]*fakeTransport{}
	subs := map[string]domain.Subscription{
		"stream-s1": stream("s1"),
		"stream-s2": stream("s2"),
		"dir-all":   directory(""),
		"dir-tech":  directory("tech"),
		"dir-art":   directory("art"),
		"global":    {Kind: domain.KindGlobal},
	}
	for id, sub := range subs {
		transports[id] = &fakeTransport{}
		require.NoError(t, h.Register(id, sub, transports[id]))
	}

	tests := []struct {
		name  string
		event *domain.Event
		want  []string
	}{
		{
			name:  "stream started with category",
			event: domain.NewEvent(domain.EventStreamStarted, "s1", "u1", map[string]any{domain.DataCategory: "tech"}),
			want:  []string{"stream-s1", "dir-all", "dir-tech", "global"},
		},
		{
			name:  "stream ended without category",
			event: domain.NewEvent(domain.EventStreamEnded, "s2", "u1", nil),
			want:  []string{"stream-s2", "dir-all", "global"},
		},
		{
			name:  "viewer joined",
			event: domain.NewEvent(domain.EventViewerJoined, "s1", "u2", map[string]any{domain.DataViewerCount: 4}),
			want:  []string{"stream-s1", "global"},
		},
		{
			name:  "message unpinned",
			event: domain.NewEvent(domain.EventChatMessageUnpinned, "s2", "u2", nil),
			want:  []string{"stream-s2", "global"},
		},
		{
			name:  "diagnostics are never broadcast",
			event: domain.NewEvent(domain.EventConnectionStats, "", "", nil),
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := map[string]int{}
			for id, tr := range transports {
				before[id] = tr.count()
			}

			delivered := h.Broadcast(tt.event)
			assert.Equal(t, len(tt.want), delivered)

			var got []string
			for id, tr := range transports {
				if tr.count() > before[id] {
					got = append(got, id)
				}
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestBroadcast_FailureIsolation(t *testing.T) {
	h := New()
	const n = 5
	transports := make([]*fakeTransport, n)
	for i := range transports {
		transports[i] = &fakeTransport{}
		require.NoError(t, h.Register(fmt.Sprintf("c%d", i), stream("s1"), transports[i]))
	}
	transports[2].fail = errors.New("broken pipe")

	delivered := h.Broadcast(domain.NewEvent(domain.EventViewerLeft, "s1", "u1", nil))

	assert.Equal(t, n-1, delivered)
	assert.Equal(t, n-1, h.Count())
	_, ok := h.Get("c2")
	assert.False(t, ok)
	assert.True(t, transports[2].closed)
	for i, tr := range transports {
		if i == 2 {
			continue
		}
		assert.Equal(t, []domain.EventType{domain.EventViewerLeft}, tr.events())
	}
}

func TestBroadcast_OrderPerConnection(t *testing.T) {
	h := New()
	tr := &fakeTransport{}
	require.NoError(t, h.Register("c1", stream("s1"), tr))

	want := []domain.EventType{
		domain.EventStreamStarted,
		domain.EventViewerJoined,
		domain.EventViewerCountUpdated,
		domain.EventChatMessagePinned,
		domain.EventStreamEnded,
	}
	for _, et := range want {
		h.Broadcast(domain.NewEvent(et, "s1", "", nil))
	}
	assert.Equal(t, want, tr.events())
}

func TestBroadcast_ConcurrentMutation(t *testing.T) {
	h := New()
	e := domain.NewEvent(domain.EventViewerJoined, "s1", "", nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				_ = h.Register(id, stream("s1"), &fakeTransport{})
				h.Broadcast(e)
				h.Unregister(id)
			}
		}(w)
	}
	wg.Wait()
	assert.Zero(t, h.Count())
}

func TestSendTo(t *testing.T) {
	h := New()
	tr := &fakeTransport{}
	require.NoError(t, h.Register("c1", directory(""), tr))

	ack := domain.NewEvent(domain.EventConnectionEstablished, "", "", nil)
	require.NoError(t, h.SendTo("c1", ack))
	assert.Equal(t, []domain.EventType{domain.EventConnectionEstablished}, tr.events())

	assert.ErrorIs(t, h.SendTo("missing", ack), ErrUnknownConnection)

	tr.fail = ErrSlowConsumer
	assert.ErrorIs(t, h.SendTo("c1", ack), ErrSlowConsumer)
	assert.Zero(t, h.Count())
}

func TestPing_RemovesDeadConnections(t *testing.T) {
	h := New()
	good, dead := &fakeTransport{}, &fakeTransport{fail: ErrTransportClosed}
	require.NoError(t, h.Register("good", stream("s1"), good))
	require.NoError(t, h.Register("dead", directory(""), dead))

	assert.Equal(t, 1, h.Ping())
	assert.Equal(t, 1, h.Count())
	require.Equal(t, 1, good.count())
	assert.Equal(t, FrameHeartbeat, good.frames[0].Kind)
	assert.Empty(t, good.events(), "heartbeat is not an application event")
}

func TestPing_UpdatesLastActivity(t *testing.T) {
	h := New()
	require.NoError(t, h.Register("c1", stream("s1"), &fakeTransport{}))
	conn, _ := h.Get("c1")
	before := conn.LastActivity()

	time.Sleep(2 * time.Millisecond)
	h.Ping()
	assert.True(t, conn.LastActivity().After(before))
}

func TestHeartbeat_Run(t *testing.T) {
	h := New()
	good, dead := &fakeTransport{}, &fakeTransport{fail: ErrTransportClosed}
	require.NoError(t, h.Register("good", stream("s1"), good))
	require.NoError(t, h.Register("dead", stream("s1"), dead))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = NewHeartbeat(h, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return good.count() >= 2 && h.Count() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestClose(t *testing.T) {
	h := New()
	tr := &fakeTransport{}
	require.NoError(t, h.Register("c1", stream("s1"), tr))

	require.NoError(t, h.Close())
	assert.True(t, tr.closed)
	assert.Zero(t, h.Count())
	assert.ErrorIs(t, h.Register("c2", stream("s1"), &fakeTransport{}), ErrHubClosed)
	require.NoError(t, h.Close())
}

type fakeInstanceStore struct {
	reported int
	cluster  int64
	err      error
}

func (s *fakeInstanceStore) ReportInstance(_ context.Context, _ string, n int, _ time.Duration) error {
	s.reported = n
	return s.err
}

func (s *fakeInstanceStore) ClusterConnections(context.Context) (int64, error) {
	return s.cluster, nil
}

func TestStatsReporter_Report(t *testing.T) {
	h := New()
	tr := &fakeTransport{}
	require.NoError(t, h.Register("c1", stream("s1"), tr))
	require.NoError(t, h.Register("c2", directory("tech"), &fakeTransport{}))

	store := &fakeInstanceStore{cluster: 7}
	e := NewStatsReporter(h, store, "node-a", time.Second).Report(context.Background())

	assert.Equal(t, 2, store.reported)
	assert.Equal(t, domain.EventConnectionStats, e.Type)
	assert.Equal(t, int64(7), e.Data[domain.DataCluster])
	assert.Equal(t, 2, e.Data[domain.DataLocal])
	assert.Equal(t, map[string]any{"stream": 1, "stream-list": 1}, e.Data[domain.DataByKind])
	assert.Equal(t, []domain.EventType{domain.EventConnectionStats}, tr.events())
}

func TestStatsReporter_StoreFailureFallsBackToLocal(t *testing.T) {
	h := New()
	require.NoError(t, h.Register("c1", stream("s1"), &fakeTransport{}))

	store := &fakeInstanceStore{cluster: 99, err: errors.New("redis down")}
	e := NewStatsReporter(h, store, "node-a", time.Second).Report(context.Background())
	assert.Equal(t, int64(1), e.Data[domain.DataCluster])
}
