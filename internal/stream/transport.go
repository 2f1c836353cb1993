package stream

import (
	"context"
	"time"
)

// Message is one decoded frame from the realtime feed
type Message struct {
	Topic      string
	Event      string
	Key        string
	Payload    []byte
	ReceivedAt time.Time
}

// Filter narrows a topic to specific change events and row keys (symbol, account id).
// Empty slices match everything.
type Filter struct {
	Events []string `json:"events,omitempty"`
	Keys   []string `json:"keys,omitempty"`
}

// Matches reports whether msg passes the filter
func (f Filter) Matches(msg Message) bool {
	return matchAny(f.Events, msg.Event) && matchAny(f.Keys, msg.Key)
}

func matchAny(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, candidate := range values {
		if candidate == "*" || candidate == v {
			return true
		}
	}
	return false
}

// Binding is what a channel sends upstream to register a logical subscription
type Binding struct {
	SubscriptionID string
	Topic          string
	Filter         Filter
}

// Handler receives messages for one subscription. It runs on the connection's read
// goroutine, so it must hand heavy work off instead of blocking.
type Handler func(Message)

// ChannelEvents are the callbacks a transport invokes for an open channel
type ChannelEvents struct {
	OnMessage func(Message)
	// OnClose fires at most once when the channel drops without Close being called
	OnClose func(error)
}

// Channel is one live physical connection
type Channel interface {
	Subscribe(b Binding) error
	Unsubscribe(subscriptionID string) error
	Close() error
}

// Transport opens physical connections. Dial must honor ctx cancellation.
type Transport interface {
	Dial(ctx context.Context, events ChannelEvents) (Channel, error)
}
