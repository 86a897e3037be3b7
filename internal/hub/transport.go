package hub

import (
	"errors"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

var (
	// ErrTransportClosed is returned by Send once the peer is gone or the
	// transport has been closed.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSlowConsumer is returned by Send when the connection's buffer is
	// full. The hub treats it like a write failure.
	ErrSlowConsumer = errors.New("send buffer full")
)

// FrameKind tells a transport how to put a frame on the wire.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameHeartbeat
)

// Frame is a serialized event ready for a transport. The payload is encoded
// once per broadcast and shared by every recipient; transports must not
// modify it.
type Frame struct {
	Kind    FrameKind
	Type    domain.EventType
	ID      string
	Payload []byte
}

// HeartbeatFrame is the keep-alive frame written by the heartbeat scheduler.
var HeartbeatFrame = Frame{Kind: FrameHeartbeat, Type: domain.EventPing}

// NewFrame serializes e.
func NewFrame(e *domain.Event) (Frame, error) {
	payload, err := e.Marshal()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameEvent, Type: e.Type, ID: e.ID, Payload: payload}, nil
}

// Transport pushes frames to one client. Send must not block on network
// I/O: implementations queue the frame and write it from their own
// goroutine, so frames reach the client in the order Send accepted them.
type Transport interface {
	Send(f Frame) error
	Close() error
}
