package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bundl/bundl/internal/db"
)

// Service encapsulates user business logic.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService creates a user Service backed by the given database connection.
func NewService(dbtx db.DBTX, logger *slog.Logger) *Service {
	return &Service{
		store:  NewStore(dbtx),
		logger: logger,
	}
}

// Get returns a single user by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return User{}, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// EnsureUser is invoked by the OTP collaborator's verification callback: it
// creates the account on first successful phone verification, seeded with
// the configured default credit balance, or returns the existing account.
func (s *Service) EnsureUser(ctx context.Context, phoneNumber string, defaultCredits int) (User, error) {
	u, err := s.store.EnsureUser(ctx, phoneNumber, defaultCredits)
	if err != nil {
		return User{}, fmt.Errorf("ensuring user: %w", err)
	}
	return u, nil
}

// SetPushToken records the device push token used for best-effort notification delivery.
func (s *Service) SetPushToken(ctx context.Context, id uuid.UUID, pushToken string) error {
	if err := s.store.SetPushToken(ctx, id, pushToken); err != nil {
		return fmt.Errorf("setting push token: %w", err)
	}
	return nil
}
