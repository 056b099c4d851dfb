package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bundl/bundl/internal/audit"
	"github.com/bundl/bundl/internal/telemetry"
	"github.com/bundl/bundl/pkg/order"
)

const bufferSize = 256

// Dispatcher is an async, buffered notification fan-out worker. Events are
// sent to an internal channel and delivered by a background goroutine so the
// order engine's request path never waits on a push provider or Slack.
// Modeled on the audit log's async writer: a bounded channel plus a single
// drain loop, with drops counted rather than applying backpressure to callers.
type Dispatcher struct {
	push   PushProvider
	ops    *OpsAlerter
	audit  *audit.Writer
	logger *slog.Logger

	events chan Event
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Call Start to begin processing events.
// auditWriter may be nil, in which case events are not durably logged.
func NewDispatcher(push PushProvider, ops *OpsAlerter, auditWriter *audit.Writer, logger *slog.Logger) *Dispatcher {
	if push == nil {
		push = NoopPushProvider{Logger: logger}
	}
	return &Dispatcher{
		push:   push,
		ops:    ops,
		audit:  auditWriter,
		logger: logger,
		events: make(chan Event, bufferSize),
	}
}

// Start begins the background delivery goroutine. It returns when ctx is
// cancelled and Close has drained the channel.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Close stops accepting new events and waits for the buffer to drain.
func (d *Dispatcher) Close() {
	close(d.events)
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(e Event) {
	select {
	case d.events <- e:
	default:
		telemetry.NotificationsDroppedTotal.WithLabelValues(string(e.Type)).Inc()
		d.logger.Warn("notification buffer full, dropping event", "type", e.Type, "order_id", e.OrderID)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	for e := range d.events {
		d.deliver(ctx, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, userID := range e.Recipients {
		if err := d.push.Send(ctx, userID, e); err != nil {
			d.logger.Warn("push notification failed", "type", e.Type, "user_id", userID, "error", err)
		}
	}

	d.logAudit(e)

	if d.ops == nil {
		return
	}
	switch e.Type {
	case EventOrderExpired:
		d.ops.Notify(ctx, "order expired without completing", e)
	}
}

func (d *Dispatcher) logAudit(e Event) {
	if d.audit == nil {
		return
	}

	var userID uuid.UUID
	if len(e.Recipients) > 0 {
		userID = e.Recipients[0]
	}

	var detail json.RawMessage
	if e.Detail != nil {
		encoded, err := json.Marshal(e.Detail)
		if err != nil {
			d.logger.Warn("encoding audit detail", "type", e.Type, "order_id", e.OrderID, "error", err)
		} else {
			detail = encoded
		}
	}

	d.audit.Log(audit.Entry{
		OrderID:   e.OrderID,
		UserID:    userID,
		Action:    string(e.Type),
		Detail:    detail,
		CreatedAt: e.OccurredAt,
	})
}

// OrderCreated implements pkg/order's EventPublisher.
func (d *Dispatcher) OrderCreated(ctx context.Context, o *order.Order) {
	d.enqueue(Event{
		Type:       EventOrderCreated,
		OrderID:    o.ID,
		OccurredAt: now(),
	})
}

// PledgeSuccess implements pkg/order's EventPublisher.
func (d *Dispatcher) PledgeSuccess(ctx context.Context, o *order.Order, userID uuid.UUID, amount float64) {
	d.enqueue(Event{
		Type:       EventPledgeSuccess,
		OrderID:    o.ID,
		Recipients: []uuid.UUID{o.CreatorID},
		Detail:     map[string]any{"user_id": userID, "amount": amount},
		OccurredAt: now(),
	})
}

// PledgeFailed implements pkg/order's EventPublisher.
func (d *Dispatcher) PledgeFailed(ctx context.Context, orderID, userID uuid.UUID, reason string) {
	d.enqueue(Event{
		Type:       EventPledgeFailed,
		OrderID:    orderID,
		Recipients: []uuid.UUID{userID},
		Detail:     map[string]any{"reason": reason},
		OccurredAt: now(),
	})
}

// OrderCompleted implements pkg/order's EventPublisher.
func (d *Dispatcher) OrderCompleted(ctx context.Context, o *order.Order) {
	d.enqueue(Event{
		Type:       EventOrderCompleted,
		OrderID:    o.ID,
		Recipients: o.Participants(),
		OccurredAt: now(),
	})
}

// OrderExpired implements pkg/order's EventPublisher.
func (d *Dispatcher) OrderExpired(ctx context.Context, o *order.Order, refundedUserIDs []uuid.UUID) {
	d.enqueue(Event{
		Type:       EventOrderExpired,
		OrderID:    o.ID,
		Recipients: refundedUserIDs,
		OccurredAt: now(),
	})
}

func now() time.Time { return time.Now() }
