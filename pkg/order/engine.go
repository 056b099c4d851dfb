package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bundl/bundl/pkg/user"
)

// creditLedger is the subset of pkg/credit.Ledger the engine needs. Accepting
// the interface rather than the concrete type lets tests exercise the state
// machine without a Postgres connection.
type creditLedger interface {
	TryDebit(ctx context.Context, userID uuid.UUID, amount int) error
	Credit(ctx context.Context, userID uuid.UUID, amount int) error
}

// orderStore is the subset of Store the engine needs.
type orderStore interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	SyncPledge(ctx context.Context, id uuid.UUID, pledgeMap map[string]float64, totalPledge float64, totalUsers int) error
	Complete(ctx context.Context, id uuid.UUID, pledgeMap map[string]float64, totalPledge float64, totalUsers int) (bool, error)
	Expire(ctx context.Context, id uuid.UUID) (*Order, bool, error)
	ListActive(ctx context.Context) ([]*Order, error)
}

// orderCache is the subset of Cache the engine needs.
type orderCache interface {
	Put(ctx context.Context, o *Order, ttl time.Duration) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	Remove(ctx context.Context, id uuid.UUID) error
	NearbyIDs(ctx context.Context, latitude, longitude, radiusKm float64) ([]uuid.UUID, error)
	ApplyPledge(ctx context.Context, orderID, userID uuid.UUID, amount float64) (PledgeOutcome, *Order, error)
}

// userLookup is the subset of pkg/user.Service the engine needs to resolve
// phone numbers for a completed order's pledge_map.
type userLookup interface {
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
}

// EventPublisher is the notification collaborator the engine reports
// lifecycle events to. It is satisfied by pkg/notify's Dispatcher; the
// engine depends only on this narrow interface so it never imports the
// notification package's transport details.
type EventPublisher interface {
	OrderCreated(ctx context.Context, o *Order)
	PledgeSuccess(ctx context.Context, o *Order, userID uuid.UUID, amount float64)
	PledgeFailed(ctx context.Context, orderID, userID uuid.UUID, reason string)
	OrderCompleted(ctx context.Context, o *Order)
	OrderExpired(ctx context.Context, o *Order, refundedUserIDs []uuid.UUID)
}

// noopPublisher discards every event, used when the engine is constructed
// without a notification collaborator (e.g. in tests).
type noopPublisher struct{}

func (noopPublisher) OrderCreated(context.Context, *Order)                             {}
func (noopPublisher) PledgeSuccess(context.Context, *Order, uuid.UUID, float64)         {}
func (noopPublisher) PledgeFailed(context.Context, uuid.UUID, uuid.UUID, string)        {}
func (noopPublisher) OrderCompleted(context.Context, *Order)                           {}
func (noopPublisher) OrderExpired(context.Context, *Order, []uuid.UUID)                {}

// Engine implements the order lifecycle: creation, discovery, pledging, and
// expiry handling. It coordinates the durable Store, the live Cache, and the
// shared credit Ledger so that the credit charged for an action and the
// order state it paid for move together.
type Engine struct {
	store  orderStore
	cache  orderCache
	ledger creditLedger
	notify EventPublisher
	users  userLookup
	logger *slog.Logger

	creditCostPerAction int
	defaultExpiry       time.Duration
	orderMinAmount      float64
	pledgeMinAmount     float64
}

// Config holds the tunables Engine needs beyond its collaborators.
type Config struct {
	CreditCostPerAction int
	DefaultExpiry       time.Duration
	OrderMinAmount      float64
	PledgeMinAmount     float64
}

// NewEngine creates an order Engine. notify may be nil, in which case
// lifecycle events are discarded. users may be nil, in which case a
// completed order's phone-number map is left empty.
func NewEngine(store *Store, cache *Cache, ledger creditLedger, notify EventPublisher, users *user.Service, logger *slog.Logger, cfg Config) *Engine {
	var ul userLookup
	if users != nil {
		ul = users
	}
	return newEngine(store, cache, ledger, notify, ul, logger, cfg)
}

// newEngine is the unexported constructor that accepts the narrow
// collaborator interfaces directly, used by tests to inject in-memory fakes.
func newEngine(store orderStore, cache orderCache, ledger creditLedger, notify EventPublisher, users userLookup, logger *slog.Logger, cfg Config) *Engine {
	if notify == nil {
		notify = noopPublisher{}
	}
	return &Engine{
		store:               store,
		cache:               cache,
		ledger:              ledger,
		notify:              notify,
		users:               users,
		logger:              logger,
		creditCostPerAction: cfg.CreditCostPerAction,
		defaultExpiry:       cfg.DefaultExpiry,
		orderMinAmount:      cfg.OrderMinAmount,
		pledgeMinAmount:     cfg.PledgeMinAmount,
	}
}

// CreateOrder debits the creator's credit balance for the act of posting an
// order, then writes the durable row and the live cache snapshot. If the
// cache write fails after the debit succeeded, the debit is refunded so the
// failed action never leaves the creator permanently out of pocket.
//
// initialPledge, if positive, seeds the creator's own pledge at creation
// time. expirySeconds, if positive, overrides the process-wide default
// pledge window for this order.
func (e *Engine) CreateOrder(ctx context.Context, creatorID uuid.UUID, amountNeeded float64, platform string, latitude, longitude float64, initialPledge float64, expirySeconds int) (*Order, error) {
	if amountNeeded <= 0 || amountNeeded < e.orderMinAmount {
		return nil, fmt.Errorf("%w: amount needed must be at least %.2f", ErrInvalidPledge, e.orderMinAmount)
	}
	if initialPledge < 0 {
		return nil, fmt.Errorf("%w: initial pledge cannot be negative", ErrInvalidPledge)
	}

	if err := e.ledger.TryDebit(ctx, creatorID, e.creditCostPerAction); err != nil {
		return nil, err
	}

	ttl := e.defaultExpiry
	if expirySeconds > 0 {
		ttl = time.Duration(expirySeconds) * time.Second
	}

	o := &Order{
		ID:           uuid.New(),
		Status:       StatusActive,
		CreatorID:    creatorID,
		AmountNeeded: amountNeeded,
		PledgeMap:    map[string]float64{},
		Platform:     platform,
		Latitude:     latitude,
		Longitude:    longitude,
		TTLSeconds:   int(ttl.Seconds()),
	}
	if initialPledge > 0 {
		o.PledgeMap[creatorID.String()] = initialPledge
		o.TotalPledge = initialPledge
		o.TotalUsers = 1
	}

	if err := e.store.Insert(ctx, o); err != nil {
		e.refundCreateOnFailure(ctx, creatorID)
		return nil, fmt.Errorf("persisting order: %w", err)
	}

	if err := e.cache.Put(ctx, o, ttl); err != nil {
		e.refundCreateOnFailure(ctx, creatorID)
		return nil, fmt.Errorf("caching order: %w", err)
	}

	e.notify.OrderCreated(ctx, o)
	return o, nil
}

func (e *Engine) refundCreateOnFailure(ctx context.Context, creatorID uuid.UUID) {
	if err := e.ledger.Credit(ctx, creatorID, e.creditCostPerAction); err != nil {
		e.logger.Error("refunding failed order creation", "user_id", creatorID, "error", err)
	}
}

// PledgeToOrder debits the pledging user's credit balance for the act of
// pledging, then applies the pledge atomically against the live cache. Any
// outcome other than success or completion refunds the debit, since the
// user's action never took effect.
func (e *Engine) PledgeToOrder(ctx context.Context, orderID, userID uuid.UUID, amount float64) (*Order, error) {
	if amount <= 0 || amount < e.pledgeMinAmount {
		return nil, ErrInvalidPledge
	}

	if err := e.ledger.TryDebit(ctx, userID, e.creditCostPerAction); err != nil {
		return nil, err
	}

	outcome, o, err := e.cache.ApplyPledge(ctx, orderID, userID, amount)
	if err != nil {
		e.refundPledgeOnFailure(ctx, userID)
		return nil, fmt.Errorf("applying pledge: %w", err)
	}

	switch outcome {
	case PledgeOrderNotFound:
		e.refundPledgeOnFailure(ctx, userID)
		// A completing pledge deletes the snapshot, so a pledge that loses the
		// race to completion also lands here; the durable row tells them apart.
		if stored, err := e.store.Get(ctx, orderID); err == nil {
			switch stored.Status {
			case StatusComplete:
				return nil, ErrFullyPledged
			case StatusExpired:
				return nil, ErrNotActive
			}
		}
		return nil, ErrNotFound
	case PledgeOrderNotActive:
		e.refundPledgeOnFailure(ctx, userID)
		return nil, ErrNotActive
	case PledgeOrderFull:
		e.refundPledgeOnFailure(ctx, userID)
		return nil, ErrFullyPledged
	}

	if err := e.store.SyncPledge(ctx, orderID, o.PledgeMap, o.TotalPledge, o.TotalUsers); err != nil {
		e.logger.Error("syncing pledge to durable store", "order_id", orderID, "error", err)
	}

	e.notify.PledgeSuccess(ctx, o, userID, amount)

	if outcome == PledgeCompletedOrder {
		// The pledge script already deleted the snapshot, participants set,
		// and geo entry atomically; only the durable row remains to update.
		if _, err := e.store.Complete(ctx, orderID, o.PledgeMap, o.TotalPledge, o.TotalUsers); err != nil {
			e.logger.Error("marking order complete", "order_id", orderID, "error", err)
		}
		e.notify.OrderCompleted(ctx, o)
	}

	return o, nil
}

func (e *Engine) refundPledgeOnFailure(ctx context.Context, userID uuid.UUID) {
	if err := e.ledger.Credit(ctx, userID, e.creditCostPerAction); err != nil {
		e.logger.Error("refunding failed pledge", "user_id", userID, "error", err)
	}
}

// GetActiveOrdersNear returns ACTIVE orders within radiusKm of a point,
// nearest first. Orders whose cache entry raced an expiry between the geo
// search and the snapshot read are silently skipped rather than erroring
// the whole request.
func (e *Engine) GetActiveOrdersNear(ctx context.Context, latitude, longitude, radiusKm float64) ([]*Order, error) {
	ids, err := e.cache.NearbyIDs(ctx, latitude, longitude, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("searching nearby orders: %w", err)
	}

	orders := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, err := e.cache.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrCacheMiss) {
				continue
			}
			return nil, fmt.Errorf("loading nearby order %s: %w", id, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// OrderView is the caller-specific projection of an order returned by
// GetOrderStatus. Its shape depends on the order's status: ACTIVE orders
// expose only the caller's own pledge; COMPLETED orders expose the full
// pledge_map plus the phone number behind every participant; EXPIRED orders
// expose the full pledge_map plus a refund Note.
type OrderView struct {
	*Order
	PhoneNumbers map[string]string `json:"phone_numbers,omitempty"`
	Note         string            `json:"note,omitempty"`
}

// GetOrderStatus returns the caller's view of an order. ACTIVE orders are
// served from the live cache; COMPLETED and EXPIRED orders have no cache
// entry and are served from the durable store. A caller with no entry in the
// order's pledge_map (including a creator who made no initial pledge)
// receives ErrNotFound rather than a 403, so participation in an order is
// never disclosed to non-participants.
func (e *Engine) GetOrderStatus(ctx context.Context, callerID, orderID uuid.UUID) (*OrderView, error) {
	o, err := e.cache.Get(ctx, orderID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			return nil, fmt.Errorf("reading order from cache: %w", err)
		}
		o, err = e.store.Get(ctx, orderID)
		if err != nil {
			return nil, ErrNotFound
		}
	}

	if _, isParticipant := o.PledgeMap[callerID.String()]; !isParticipant {
		return nil, ErrNotFound
	}

	switch o.Status {
	case StatusActive:
		redacted := o.Clone()
		own, pledged := o.PledgeMap[callerID.String()]
		redacted.PledgeMap = map[string]float64{}
		if pledged {
			redacted.PledgeMap[callerID.String()] = own
		}
		return &OrderView{Order: redacted}, nil
	case StatusComplete:
		return &OrderView{Order: o, PhoneNumbers: e.resolvePhoneNumbers(ctx, o)}, nil
	case StatusExpired:
		return &OrderView{Order: o, Note: "order expired before reaching its goal; your pledge was refunded"}, nil
	default:
		return &OrderView{Order: o}, nil
	}
}

// resolvePhoneNumbers looks up every participant's phone number so a
// completed order's participants can coordinate the handoff. Lookup
// failures for an individual participant are logged and skipped rather than
// failing the whole request.
func (e *Engine) resolvePhoneNumbers(ctx context.Context, o *Order) map[string]string {
	numbers := map[string]string{}
	if e.users == nil {
		return numbers
	}
	for idStr := range o.PledgeMap {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		u, err := e.users.Get(ctx, id)
		if err != nil {
			e.logger.Error("resolving participant phone number", "order_id", o.ID, "user_id", id, "error", err)
			continue
		}
		numbers[idStr] = u.PhoneNumber
	}
	return numbers
}

// HandleExpiry is invoked by Watcher when an order's live snapshot key
// expires. It transitions the durable row to EXPIRED and refunds every
// participant's action credit exactly once; the conditional UPDATE backing
// Store.Expire makes a duplicate delivery of the same expiry event a no-op.
func (e *Engine) HandleExpiry(ctx context.Context, orderID uuid.UUID) {
	o, ok, err := e.store.Expire(ctx, orderID)
	if err != nil {
		e.logger.Error("expiring order", "order_id", orderID, "error", err)
		return
	}
	if !ok {
		return
	}

	// The snapshot key triggered this watcher by expiring on its own TTL,
	// but the geo entry carries no TTL of its own and must be cleaned up
	// explicitly; Remove also deletes the participants set in case it has
	// not expired yet.
	if err := e.cache.Remove(ctx, orderID); err != nil {
		e.logger.Error("removing expired order from cache", "order_id", orderID, "error", err)
	}

	refunded := e.refundParticipants(ctx, o)
	e.notify.OrderExpired(ctx, o, refunded)
}

func (e *Engine) refundParticipants(ctx context.Context, o *Order) []uuid.UUID {
	refunded := make([]uuid.UUID, 0, len(o.PledgeMap))
	for _, userID := range o.Participants() {
		if err := e.ledger.Credit(ctx, userID, e.creditCostPerAction); err != nil {
			e.logger.Error("refunding expired order participant", "order_id", o.ID, "user_id", userID, "error", err)
			continue
		}
		refunded = append(refunded, userID)
	}
	return refunded
}

// Reconcile runs once at boot. Orders left ACTIVE in the durable store but
// missing from the live cache either expired while the process was down
// (Redis dropped the TTL key, but no watcher was running to observe it) or
// never made it into the cache due to a crash between Store.Insert and
// Cache.Put. An order whose deadline (created_at + ttl_seconds) has not yet
// passed is re-seeded into the cache with its remaining TTL; one whose
// deadline has passed is expired and its participants refunded.
func (e *Engine) Reconcile(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active orders: %w", err)
	}

	for _, o := range active {
		if _, err := e.cache.Get(ctx, o.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrCacheMiss) {
			e.logger.Error("reconciling order cache state", "order_id", o.ID, "error", err)
			continue
		}

		deadline := o.CreatedAt.Add(time.Duration(o.TTLSeconds) * time.Second)
		if time.Now().Before(deadline) {
			// Still within its window but missing from the cache: the
			// process likely crashed before Cache.Put. Re-seed the cache
			// with the remaining TTL rather than expiring a live order.
			remaining := time.Until(deadline)
			if err := e.cache.Put(ctx, o, remaining); err != nil {
				e.logger.Error("re-seeding order cache on reconcile", "order_id", o.ID, "error", err)
			}
			continue
		}

		e.logger.Info("reconciling orphaned active order as expired", "order_id", o.ID)
		e.HandleExpiry(ctx, o.ID)
	}
	return nil
}
