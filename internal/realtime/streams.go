package realtime

// Streams gateway subscribers can listen on.
const (
	// StreamEvents carries every message the relay publishes for a user.
	StreamEvents = "relay.events"
	// StreamTransfers carries file progress and result notifies.
	StreamTransfers = "relay.transfers"
)

// KnownStreams lists the streams the hub accepts subscriptions for.
func KnownStreams() []string {
	return []string{StreamEvents, StreamTransfers}
}
