package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/hub"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEComment is the keep-alive line. Clients skip comment lines.
const SSEComment = ": ping\n\n"

// SSE writes frames as Server-Sent Events. Frames are queued by Send and
// written by Run, which must be called from the goroutine serving the
// request. Nothing reaches the client before Run, so the caller can still
// answer with an error status when registration fails.
type SSE struct {
	queue
	w         http.ResponseWriter
	flusher   http.Flusher
	rc        *http.ResponseController
	writeWait time.Duration
}

// NewSSE prepares an event stream on w without writing to it.
func NewSSE(w http.ResponseWriter, bufferSize int, writeWait time.Duration) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	return &SSE{
		queue:     newQueue(bufferSize),
		w:         w,
		flusher:   flusher,
		rc:        http.NewResponseController(w),
		writeWait: writeWait,
	}, nil
}

// Run writes queued frames until ctx is done, the transport is closed or a
// write fails.
func (t *SSE) Run(ctx context.Context) error {
	defer t.Close()

	t.open()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case f := <-t.send:
			if err := t.write(f); err != nil {
				return err
			}
		}
	}
}

// open writes the event-stream headers and flushes them so the client sees
// the stream as open.
func (t *SSE) open() {
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // nginx
	t.w.WriteHeader(http.StatusOK)
	t.flusher.Flush()
}

func (t *SSE) write(f hub.Frame) error {
	if t.writeWait > 0 {
		// Not every writer supports deadlines; the stream still works without.
		_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeWait))
	}

	var err error
	switch f.Kind {
	case hub.FrameHeartbeat:
		_, err = fmt.Fprint(t.w, SSEComment)
	default:
		if f.ID != "" {
			if _, err = fmt.Fprintf(t.w, "id: %s\n", f.ID); err != nil {
				return err
			}
		}
		_, err = fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", f.Type, f.Payload)
	}
	if err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}
