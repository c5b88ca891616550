// Package server defines the ObserverFeed type: a one-way push channel that
// carries roster snapshots to a single viewer until it disconnects.
package server

// ObserverFeed is one subscribed viewer. The hub pushes encoded snapshots
// into its buffered send channel; the transport handler drains it. A feed
// whose buffer fills up is dropped rather than allowed to stall publishes.
type ObserverFeed struct {
	send   chan []byte
	closed bool
}

// NewObserverFeed creates a feed with the given delivery buffer size.
func NewObserverFeed(buffer int) *ObserverFeed {
	if buffer <= 0 {
		buffer = 16
	}
	return &ObserverFeed{
		send: make(chan []byte, buffer),
	}
}

// Events returns the channel of encoded snapshots for this feed. The
// channel is closed when the feed is unsubscribed or dropped by the hub.
func (f *ObserverFeed) Events() <-chan []byte {
	return f.send
}
