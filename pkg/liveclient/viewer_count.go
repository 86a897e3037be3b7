package liveclient

import (
	"sync"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

// ViewerCountWatcher tracks the viewer count of one stream from
// viewer.count.updated, viewer.joined and viewer.left events. Other event
// types, including unknown ones, are ignored.
type ViewerCountWatcher struct {
	streamID string
	onChange func(count int)
	remove   func()

	mu    sync.RWMutex
	count int
	known bool
}

// WatchViewerCount attaches a watcher for streamID to c. onChange may be nil.
func (c *Client) WatchViewerCount(streamID string, onChange func(count int)) *ViewerCountWatcher {
	w := &ViewerCountWatcher{streamID: streamID, onChange: onChange}
	w.remove = c.AddListener(w.handle)
	return w
}

func (w *ViewerCountWatcher) handle(e *domain.Event) {
	if e.StreamID != w.streamID {
		return
	}
	switch e.Type {
	case domain.EventViewerCountUpdated, domain.EventViewerJoined, domain.EventViewerLeft:
	default:
		return
	}

	n, ok := e.DataInt(domain.DataViewerCount)
	if !ok || n < 0 {
		return
	}

	w.mu.Lock()
	changed := !w.known || w.count != n
	w.count, w.known = n, true
	w.mu.Unlock()

	if changed && w.onChange != nil {
		w.onChange(n)
	}
}

// Count returns the last known count and whether any count has been seen.
func (w *ViewerCountWatcher) Count() (int, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count, w.known
}

// Stop detaches the watcher from its client.
func (w *ViewerCountWatcher) Stop() {
	w.remove()
}
