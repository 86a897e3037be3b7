// Package idgen generates the identifiers used by the realtime layer.
package idgen

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

const (
	ConnectionIDSize     = 16
	ConnectionIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// ServerID returns a process identifier: the host name followed by a ULID
// (millisecond start time plus 80 random bits). Two processes on the same
// host, or a restarted process, never share an id.
func ServerID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate ULID: %w", err)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "realtime"
	}
	return strings.ToLower(host) + "-" + id.String(), nil
}

// ServerStartedAt recovers the start time embedded in a server id.
func ServerStartedAt(serverID string) (time.Time, error) {
	i := strings.LastIndexByte(serverID, '-')
	if i < 0 {
		return time.Time{}, fmt.Errorf("invalid server id %q", serverID)
	}
	parsed, err := ulid.Parse(serverID[i+1:])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ULID format: %w", err)
	}
	return ulid.Time(parsed.Time()), nil
}

// ConnectionID returns a short random connection identifier.
func ConnectionID() (string, error) {
	id, err := gonanoid.Generate(ConnectionIDAlphabet, ConnectionIDSize)
	if err != nil {
		return "", fmt.Errorf("failed to generate NanoID: %w", err)
	}
	return id, nil
}
