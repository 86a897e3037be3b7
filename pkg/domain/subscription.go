package domain

import (
	"errors"
	"net/url"
	"strings"
)

// SubscriptionKind selects which events a connection receives.
type SubscriptionKind string

const (
	KindStream    SubscriptionKind = "stream"
	KindDirectory SubscriptionKind = "stream-list"
	KindGlobal    SubscriptionKind = "global"
)

// Query parameter names of a subscription request.
const (
	ParamStreamID = "streamId"
	ParamType     = "type"
	ParamCategory = "category"
)

// Subscription is the routing part of a connection.
type Subscription struct {
	Kind     SubscriptionKind
	StreamID string
	Category string
}

// Validate checks kind/field consistency.
func (s Subscription) Validate() error {
	switch s.Kind {
	case KindStream:
		if s.StreamID == "" {
			return ErrMissingStreamID
		}
	case KindDirectory, KindGlobal:
	default:
		return errors.New("unknown subscription kind")
	}
	return nil
}

// SubscriptionFromQuery maps request parameters to a subscription:
// streamId selects one stream, type=stream-list selects the directory
// (optionally filtered by category), anything else is global.
func SubscriptionFromQuery(q url.Values) Subscription {
	if id := strings.TrimSpace(q.Get(ParamStreamID)); id != "" {
		return Subscription{Kind: KindStream, StreamID: id}
	}
	if q.Get(ParamType) == string(KindDirectory) {
		return Subscription{Kind: KindDirectory, Category: strings.TrimSpace(q.Get(ParamCategory))}
	}
	return Subscription{Kind: KindGlobal}
}

// Query is the inverse of SubscriptionFromQuery.
func (s Subscription) Query() url.Values {
	q := url.Values{}
	switch s.Kind {
	case KindStream:
		q.Set(ParamStreamID, s.StreamID)
	case KindDirectory:
		q.Set(ParamType, string(KindDirectory))
		if s.Category != "" {
			q.Set(ParamCategory, s.Category)
		}
	}
	return q
}

// Matches implements the routing rule: does a connection subscribed with s
// receive e?
func (s Subscription) Matches(e *Event) bool {
	if s.Kind == KindGlobal {
		return e.Type.Class() == ClassLifecycle || e.Type.Class() == ClassPresence
	}

	switch e.Type.Class() {
	case ClassLifecycle:
		switch s.Kind {
		case KindDirectory:
			return s.Category == "" || s.Category == e.Category()
		case KindStream:
			return e.StreamID != "" && s.StreamID == e.StreamID
		}
	case ClassPresence:
		return s.Kind == KindStream && e.StreamID != "" && s.StreamID == e.StreamID
	}
	return false
}
