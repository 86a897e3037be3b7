package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming conventions for realtime event propagation. Naming is a pure
// function of the subject so any instance (or tool) can compute it.
const (
	// ChannelDirectory carries stream lifecycle events for the directory.
	ChannelDirectory = "live:streams"

	// ChannelStream carries presence and count events for one stream.
	ChannelStream = "live:stream:%s"

	// PatternAllStreams matches every per-stream channel.
	PatternAllStreams = "live:stream:*"

	streamChannelPrefix = "live:stream:"
)

// StreamChannel returns the per-stream channel name.
func StreamChannel(streamID string) string {
	return fmt.Sprintf(ChannelStream, streamID)
}

// StreamIDFromChannel extracts the stream id from a per-stream channel.
func StreamIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, streamChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, streamChannelPrefix)
	if id == "" || id == "*" {
		return "", false
	}
	return id, true
}
