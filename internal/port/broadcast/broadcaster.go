// Package broadcast defines the port for pushing real-time task and position
// events to connected clients.
package broadcast

import "context"

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)

	// ConnectionCount reports how many clients are listening, so producers
	// of periodic events can idle when nobody is.
	ConnectionCount() int
}
