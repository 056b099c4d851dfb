package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bundl/bundl/internal/resiliency"
)

// PushProvider delivers a single notification event to one user's
// registered device. Implementations include an HTTP-calling adapter
// against an external push gateway (FCM/APNs are fronted by such a
// gateway in production; no push SDK is part of this dependency set) and a
// logging noop used when no gateway is configured.
type PushProvider interface {
	Send(ctx context.Context, userID uuid.UUID, e Event) error
}

// NoopPushProvider logs the event instead of delivering it. Used in local
// development and tests.
type NoopPushProvider struct {
	Logger *slog.Logger
}

// Send implements PushProvider.
func (n NoopPushProvider) Send(_ context.Context, userID uuid.UUID, e Event) error {
	n.Logger.Debug("noop push notification", "user_id", userID, "type", e.Type, "order_id", e.OrderID)
	return nil
}

// HTTPPushProvider delivers events to an external push gateway over HTTP,
// guarded by a circuit breaker so a degraded gateway cannot back up the
// dispatcher's single delivery goroutine.
type HTTPPushProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resiliency.Breaker
}

// NewHTTPPushProvider creates an HTTPPushProvider targeting baseURL.
func NewHTTPPushProvider(baseURL, apiKey string) *HTTPPushProvider {
	return &HTTPPushProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    resiliency.NewBreaker("push-provider"),
	}
}

type pushPayload struct {
	UserID  uuid.UUID      `json:"user_id"`
	Type    EventType      `json:"type"`
	OrderID uuid.UUID      `json:"order_id"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Send implements PushProvider.
func (p *HTTPPushProvider) Send(ctx context.Context, userID uuid.UUID, e Event) error {
	return p.breaker.Execute(func() error {
		body, err := json.Marshal(pushPayload{UserID: userID, Type: e.Type, OrderID: e.OrderID, Detail: e.Detail})
		if err != nil {
			return fmt.Errorf("encoding push payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/send", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building push request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("calling push gateway: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("push gateway returned status %d", resp.StatusCode)
		}
		return nil
	})
}
