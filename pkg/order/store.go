package order

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bundl/bundl/internal/db"
)

// Store provides the durable Postgres view of orders. While an order is
// ACTIVE the cache in cache.go is the authority for pledge state and TTL;
// Store is kept in sync on every successful pledge so that an expiry or a
// crash can be reconciled from disk without replaying Redis history.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an order Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const orderColumns = `id, status, creator_id, amount_needed, pledge_map, total_pledge,
	total_users, platform, latitude, longitude, ttl_seconds, created_at, updated_at`

func scanOrderRow(row pgx.Row) (*Order, error) {
	var o Order
	var pledgeMapRaw []byte
	err := row.Scan(
		&o.ID, &o.Status, &o.CreatorID, &o.AmountNeeded, &pledgeMapRaw, &o.TotalPledge,
		&o.TotalUsers, &o.Platform, &o.Latitude, &o.Longitude, &o.TTLSeconds, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.PledgeMap = map[string]float64{}
	if len(pledgeMapRaw) > 0 {
		if err := json.Unmarshal(pledgeMapRaw, &o.PledgeMap); err != nil {
			return nil, fmt.Errorf("decoding pledge map: %w", err)
		}
	}
	return &o, nil
}

// Insert persists a newly created order in the ACTIVE state.
func (s *Store) Insert(ctx context.Context, o *Order) error {
	pledgeMapRaw, err := json.Marshal(o.PledgeMap)
	if err != nil {
		return fmt.Errorf("encoding pledge map: %w", err)
	}
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO orders (id, status, creator_id, amount_needed, pledge_map, total_pledge,
			total_users, platform, latitude, longitude, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		o.ID, o.Status, o.CreatorID, o.AmountNeeded, pledgeMapRaw, o.TotalPledge,
		o.TotalUsers, o.Platform, o.Latitude, o.Longitude, o.TTLSeconds,
	)
	if err := row.Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

// Get returns a single order by ID regardless of status.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrderRow(row)
}

// SyncPledge mirrors a pledge accepted by the live cache into the durable
// row, so the participant list and running total survive a cache eviction or
// a crash before the order reaches a terminal state.
func (s *Store) SyncPledge(ctx context.Context, id uuid.UUID, pledgeMap map[string]float64, totalPledge float64, totalUsers int) error {
	pledgeMapRaw, err := json.Marshal(pledgeMap)
	if err != nil {
		return fmt.Errorf("encoding pledge map: %w", err)
	}
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE orders SET pledge_map = $2, total_pledge = $3, total_users = $4, updated_at = now()
		WHERE id = $1`,
		id, pledgeMapRaw, totalPledge, totalUsers,
	)
	if err != nil {
		return fmt.Errorf("syncing pledge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Complete transitions an order from ACTIVE to COMPLETED, persisting its
// final pledge snapshot. It is a no-op (zero rows affected) if the order was
// not ACTIVE, which the caller treats as "someone else already closed it".
func (s *Store) Complete(ctx context.Context, id uuid.UUID, pledgeMap map[string]float64, totalPledge float64, totalUsers int) (bool, error) {
	pledgeMapRaw, err := json.Marshal(pledgeMap)
	if err != nil {
		return false, fmt.Errorf("encoding pledge map: %w", err)
	}
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE orders SET status = 'COMPLETED', pledge_map = $2, total_pledge = $3,
			total_users = $4, updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE'`,
		id, pledgeMapRaw, totalPledge, totalUsers,
	)
	if err != nil {
		return false, fmt.Errorf("completing order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Expire transitions an order from ACTIVE to EXPIRED and returns the
// durable pledge snapshot needed to refund participants. It is idempotent:
// a second call after the first succeeds finds zero rows affected and
// returns ok=false, so a duplicate expiry notification never double-refunds.
func (s *Store) Expire(ctx context.Context, id uuid.UUID) (o *Order, ok bool, err error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE orders SET status = 'EXPIRED', updated_at = now()
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING `+orderColumns,
		id,
	)
	o, err = scanOrderRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("expiring order: %w", err)
	}
	return o, true, nil
}

// ListActive returns every order still in the ACTIVE state, used at boot to
// reconcile the live cache against orders that may have outlived a restart.
func (s *Store) ListActive(ctx context.Context) ([]*Order, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = 'ACTIVE'`)
	if err != nil {
		return nil, fmt.Errorf("listing active orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning active order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
