package otp

import (
	"context"
	"fmt"

	"github.com/bundl/bundl/internal/auth"
)

// ErrRateLimited is returned by Service.SendCode when a phone number has
// requested too many codes in the current window.
var ErrRateLimited = fmt.Errorf("otp: send rate limit exceeded")

// sendLimiter is the subset of internal/auth.RateLimiter Service needs.
// Accepting the interface lets tests exercise the throttling logic without
// a Redis connection.
type sendLimiter interface {
	Check(ctx context.Context, identity string) (*auth.RateLimitResult, error)
	Record(ctx context.Context, identity string) error
	Reset(ctx context.Context, identity string) error
}

// Service wraps a Provider with per-phone-number send throttling, so a
// single number cannot be used to exhaust the provider's SMS budget. This
// is a library component: Bundl's own HTTP surface does not expose it, as
// the OTP verification callback is handled by the embedding caller, not by
// this service (see the OTP collaborator's interface-only framing).
type Service struct {
	provider Provider
	limiter  sendLimiter
}

// NewService creates a Service. limiter bounds how often a single phone
// number may request a new code.
func NewService(provider Provider, limiter *auth.RateLimiter) *Service {
	return newService(provider, limiter)
}

func newService(provider Provider, limiter sendLimiter) *Service {
	return &Service{provider: provider, limiter: limiter}
}

// SendCode requests a new code for phoneNumber, subject to the configured
// rate limit.
func (s *Service) SendCode(ctx context.Context, phoneNumber string) error {
	result, err := s.limiter.Check(ctx, phoneNumber)
	if err != nil {
		return fmt.Errorf("checking otp send rate limit: %w", err)
	}
	if !result.Allowed {
		return ErrRateLimited
	}

	if err := s.provider.SendCode(ctx, phoneNumber); err != nil {
		return err
	}

	if err := s.limiter.Record(ctx, phoneNumber); err != nil {
		return fmt.Errorf("recording otp send: %w", err)
	}
	return nil
}

// VerifyCode checks a code against the provider. On success it resets the
// send rate limit so a verified user isn't penalized for earlier attempts.
func (s *Service) VerifyCode(ctx context.Context, phoneNumber, code string) (bool, error) {
	ok, err := s.provider.VerifyCode(ctx, phoneNumber, code)
	if err != nil {
		return false, err
	}
	if ok {
		if err := s.limiter.Reset(ctx, phoneNumber); err != nil {
			return ok, fmt.Errorf("resetting otp send rate limit: %w", err)
		}
	}
	return ok, nil
}
