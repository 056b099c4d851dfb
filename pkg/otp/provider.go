// Package otp talks to an external phone-verification provider: it sends a
// one-time code and checks a code the user typed back. Bundl does not mint
// its own codes or store them; the provider is the source of truth.
package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bundl/bundl/internal/resiliency"
)

// Provider sends and verifies one-time phone verification codes.
type Provider interface {
	SendCode(ctx context.Context, phoneNumber string) error
	VerifyCode(ctx context.Context, phoneNumber, code string) (bool, error)
}

// HTTPProvider calls an external OTP service over HTTP, guarded by a
// circuit breaker so a degraded provider cannot stall signup flows.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resiliency.Breaker
}

// NewHTTPProvider creates an HTTPProvider targeting baseURL.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    resiliency.NewBreaker("otp-provider"),
	}
}

type sendCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// SendCode implements Provider.
func (p *HTTPProvider) SendCode(ctx context.Context, phoneNumber string) error {
	return p.breaker.Execute(func() error {
		body, err := json.Marshal(sendCodeRequest{PhoneNumber: phoneNumber})
		if err != nil {
			return fmt.Errorf("encoding otp send request: %w", err)
		}

		req, err := p.newRequest(ctx, "/send", body)
		if err != nil {
			return err
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("calling otp provider: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("otp provider returned status %d", resp.StatusCode)
		}
		return nil
	})
}

type verifyCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

type verifyCodeResponse struct {
	Verified bool `json:"verified"`
}

// VerifyCode implements Provider.
func (p *HTTPProvider) VerifyCode(ctx context.Context, phoneNumber, code string) (bool, error) {
	var verified bool
	err := p.breaker.Execute(func() error {
		body, err := json.Marshal(verifyCodeRequest{PhoneNumber: phoneNumber, Code: code})
		if err != nil {
			return fmt.Errorf("encoding otp verify request: %w", err)
		}

		req, err := p.newRequest(ctx, "/verify", body)
		if err != nil {
			return err
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("calling otp provider: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("otp provider returned status %d", resp.StatusCode)
		}

		var out verifyCodeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding otp verify response: %w", err)
		}
		verified = out.Verified
		return nil
	})
	if err != nil {
		return false, err
	}
	return verified, nil
}

func (p *HTTPProvider) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building otp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	return req, nil
}
