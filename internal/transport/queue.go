package transport

import (
	"sync"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/hub"
)

// DefaultBufferSize is the number of frames a connection may lag behind
// before it is treated as dead.
const DefaultBufferSize = 64

// queue is the send side shared by every transport: a bounded frame buffer
// drained by the connection's writer loop.
type queue struct {
	send chan hub.Frame
	done chan struct{}
	once sync.Once
}

func newQueue(size int) queue {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return queue{
		send: make(chan hub.Frame, size),
		done: make(chan struct{}),
	}
}

// Send queues f without blocking.
func (q *queue) Send(f hub.Frame) error {
	select {
	case <-q.done:
		return hub.ErrTransportClosed
	default:
	}

	select {
	case q.send <- f:
		return nil
	default:
		return hub.ErrSlowConsumer
	}
}

// Close stops the writer loop. It is safe to call more than once.
func (q *queue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// Done is closed once the transport has been closed.
func (q *queue) Done() <-chan struct{} {
	return q.done
}
