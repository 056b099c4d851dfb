// Package credit implements the durable credit ledger: the single source of
// truth for how many credits a user holds, and the only component allowed
// to mutate that balance.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bundl/bundl/internal/db"
)

// ErrInsufficientCredits is returned by TryDebit when the user's balance
// cannot cover the requested amount.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger provides atomic credit operations backed by Postgres. The UPDATE
// statements below hold their row lock for the duration of the statement,
// so a plain conditional UPDATE is equivalent to SELECT ... FOR UPDATE
// followed by a check-and-write, without the extra round trip.
type Ledger struct {
	dbtx db.DBTX
}

// NewLedger creates a Ledger backed by the given database connection.
func NewLedger(dbtx db.DBTX) *Ledger {
	return &Ledger{dbtx: dbtx}
}

// Get returns a user's current credit balance.
func (l *Ledger) Get(ctx context.Context, userID uuid.UUID) (int, error) {
	var credits int
	err := l.dbtx.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&credits)
	if err != nil {
		return 0, fmt.Errorf("getting credit balance: %w", err)
	}
	return credits, nil
}

// TryDebit atomically deducts amount credits from userID if and only if the
// balance is sufficient. Returns ErrInsufficientCredits otherwise.
func (l *Ledger) TryDebit(ctx context.Context, userID uuid.UUID, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var remaining int
	err := l.dbtx.QueryRow(ctx,
		`UPDATE users SET credits = credits - $2 WHERE id = $1 AND credits >= $2 RETURNING credits`,
		userID, amount,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientCredits
		}
		return fmt.Errorf("debiting credits: %w", err)
	}
	return nil
}

// Credit atomically adds amount credits to userID. Used for refunds and for
// IAP top-ups.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	tag, err := l.dbtx.Exec(ctx, `UPDATE users SET credits = credits + $2 WHERE id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("crediting credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("crediting credits: user %s not found", userID)
	}
	return nil
}
