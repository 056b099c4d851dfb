package user

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bundl/bundl/internal/db"
)

// Store provides database operations for users.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a user Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const userColumns = `id, phone_number, push_token, credits, created_at`

func scanUserRow(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.PhoneNumber, &u.PushToken, &u.Credits, &u.CreatedAt)
	return u, err
}

// Get returns a single user by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUserRow(row)
}

// GetByPhoneNumber returns a single user by phone number.
func (s *Store) GetByPhoneNumber(ctx context.Context, phoneNumber string) (User, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phoneNumber)
	return scanUserRow(row)
}

// EnsureUser creates a user for the given phone number with the default
// starting credit balance if one does not already exist, and returns the
// (possibly pre-existing) row. This is the account-creation path described
// for first successful phone verification.
func (s *Store) EnsureUser(ctx context.Context, phoneNumber string, defaultCredits int) (User, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO users (phone_number, credits)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET phone_number = EXCLUDED.phone_number
		RETURNING `+userColumns,
		phoneNumber, defaultCredits,
	)
	return scanUserRow(row)
}

// SetPushToken updates the push notification token for a user.
func (s *Store) SetPushToken(ctx context.Context, id uuid.UUID, pushToken string) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE users SET push_token = $2 WHERE id = $1`, id, pushToken)
	if err != nil {
		return fmt.Errorf("setting push token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
