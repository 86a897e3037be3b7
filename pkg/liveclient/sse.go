package liveclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

// RawEvent is one dispatched Server-Sent Event.
type RawEvent struct {
	ID    string
	Event string // "message" when the server sent no event name
	Data  []byte
}

// Stream yields events from an open subscription.
type Stream interface {
	// Next blocks until the next event. It returns an error once the stream
	// is broken or closed.
	Next() (*RawEvent, error)
	Close() error
}

// Dialer opens a subscription. An error means the attempt failed; a
// returned Stream means the server accepted it.
type Dialer interface {
	Dial(ctx context.Context, sub domain.Subscription) (Stream, error)
}

// HTTPDialer opens GET {BaseURL}/api/v1/events.
type HTTPDialer struct {
	BaseURL string
	Client  *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

// EventsPath is the SSE endpoint relative to the server's base URL.
const EventsPath = "/api/v1/events"

func (d *HTTPDialer) Dial(ctx context.Context, sub domain.Subscription) (Stream, error) {
	u := strings.TrimRight(d.BaseURL, "/") + EventsPath
	if q := sub.Query().Encode(); q != "" {
		u += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || mediaType != "text/event-stream" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return NewSSEStream(resp.Body), nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewSSEStream parses the text/event-stream format from body. Comment lines,
// used by the server as heartbeats, are skipped.
func NewSSEStream(body io.ReadCloser) Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Next() (*RawEvent, error) {
	var (
		ev      RawEvent
		data    strings.Builder
		hasData bool
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if !hasData {
				ev = RawEvent{}
				continue
			}
			if ev.Event == "" {
				ev.Event = "message"
			}
			ev.Data = []byte(data.String())
			return &ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
