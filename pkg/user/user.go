// Package user manages the Bundl user record: phone number identity, push
// token, and credit balance.
package user

import (
	"time"

	"github.com/google/uuid"
)

// User is a Bundl account, created on first successful phone verification.
type User struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	PushToken   *string   `json:"push_token,omitempty"`
	Credits     int       `json:"credits"`
	CreatedAt   time.Time `json:"created_at"`
}
