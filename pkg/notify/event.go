// Package notify delivers best-effort, fire-and-forget notifications about
// order lifecycle events to end-user devices (push) and to an operations
// channel (Slack), without ever blocking the order engine that produces them.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a single order lifecycle notification.
type EventType string

const (
	EventOrderCreated    EventType = "order_created"
	EventPledgeSuccess   EventType = "pledge_success"
	EventPledgeFailed    EventType = "pledge_failed"
	EventOrderCompleted  EventType = "order_completed"
	EventOrderExpired    EventType = "order_expired"
	EventNearbyBroadcast EventType = "nearby_broadcast"
)

// Event is a single notification to be delivered. Recipients is the set of
// user IDs that should receive a push notification for this event; it is
// empty for events (like NearbyBroadcast) that are announced to an area
// rather than to specific accounts.
type Event struct {
	Type       EventType
	OrderID    uuid.UUID
	Recipients []uuid.UUID
	Detail     map[string]any
	OccurredAt time.Time
}
