// Package order implements group-order coordination: creation, location-based
// discovery, pledging toward a shared amount, and the ACTIVE -> COMPLETED /
// EXPIRED state machine. Postgres holds the durable record of every order;
// Redis holds the live snapshot for orders currently ACTIVE and is the sole
// authority for when an order's pledge window has elapsed.
package order

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusComplete Status = "COMPLETED"
	StatusExpired  Status = "EXPIRED"
)

// Order is a group-order: a creator proposes an amount needed, and nearby
// users pledge toward it until either the threshold is met (COMPLETED) or
// the pledge window elapses (EXPIRED).
type Order struct {
	ID           uuid.UUID            `json:"id"`
	Status       Status               `json:"status"`
	CreatorID    uuid.UUID            `json:"creator_id"`
	AmountNeeded float64              `json:"amount_needed"`
	PledgeMap    map[string]float64   `json:"pledge_map"`
	TotalPledge  float64              `json:"total_pledge"`
	TotalUsers   int                  `json:"total_users"`
	Platform     string               `json:"platform"`
	Latitude     float64              `json:"latitude"`
	Longitude    float64              `json:"longitude"`
	TTLSeconds   int                  `json:"ttl_seconds"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Participants returns the user IDs with a recorded pledge, including the
// creator if the creator has pledged.
func (o *Order) Participants() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(o.PledgeMap))
	for idStr := range o.PledgeMap {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Clone returns a deep copy so callers can mutate a snapshot without racing
// the cache's own in-process copy.
func (o *Order) Clone() *Order {
	c := *o
	c.PledgeMap = make(map[string]float64, len(o.PledgeMap))
	for k, v := range o.PledgeMap {
		c.PledgeMap[k] = v
	}
	return &c
}

func (o *Order) marshal() ([]byte, error) {
	return json.Marshal(o)
}

func unmarshalOrder(data []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	if o.PledgeMap == nil {
		o.PledgeMap = map[string]float64{}
	}
	return &o, nil
}

// Sentinel errors returned by the order engine and surfaced as error codes
// over HTTP. They are deliberately distinct from pgx/redis errors so
// handlers never have to inspect driver-specific error types.
var (
	ErrNotFound       = errors.New("order not found")
	ErrNotActive      = errors.New("order is not active")
	ErrFullyPledged   = errors.New("order is already fully pledged")
	ErrInvalidPledge  = errors.New("pledge amount must be positive")
)
