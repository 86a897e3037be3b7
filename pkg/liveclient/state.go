package liveclient

import (
	"errors"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

var (
	// ErrReconnectExhausted is the terminal error after MaxAttempts failed
	// connection attempts. Call Reconnect to try again.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrUnexpectedStatus is returned by the HTTP dialer when the server
	// does not answer with an event stream.
	ErrUnexpectedStatus = errors.New("unexpected response")
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Snapshot is a copy of the client state handed to callbacks.
type Snapshot struct {
	State       State
	IsConnected bool
	LastEvent   *domain.Event
	// Stats is the data of the last connection.stats event, if any.
	Stats            map[string]any
	ReconnectAttempt int
	Err              error
}
