package iap

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bundl/bundl/internal/httpserver"
	"github.com/bundl/bundl/pkg/credit"
)

// Handler serves the IAP credit top-up webhook.
type Handler struct {
	ledger        *credit.Ledger
	idempotency   *IdempotencyStore
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates an IAP Handler.
func NewHandler(ledger *credit.Ledger, idempotency *IdempotencyStore, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		ledger:        ledger,
		idempotency:   idempotency,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Routes returns a chi.Router with the webhook route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhook", h.handleWebhook)
	return r
}

// webhookPayload is the billing provider's credit top-up notification.
type webhookPayload struct {
	TransactionID string  `json:"transaction_id" validate:"required"`
	UserID        string  `json:"user_id" validate:"required,uuid"`
	CreditsAmount int     `json:"credits_amount" validate:"required,gt=0"`
	PriceUSD      float64 `json:"price_usd" validate:"gte=0"`
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := h.verifySignature(r, body); err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}

	var payload webhookPayload
	if !httpserver.DecodeAndValidate(w, r, &payload) {
		return
	}

	firstTime, err := h.idempotency.MarkProcessed(r.Context(), payload.TransactionID)
	if err != nil {
		h.logger.Error("recording iap idempotency key", "error", err, "transaction_id", payload.TransactionID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process webhook")
		return
	}
	if !firstTime {
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}

	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user_id")
		return
	}

	if err := h.ledger.Credit(r.Context(), userID, payload.CreditsAmount); err != nil {
		h.logger.Error("crediting iap top-up", "error", err, "transaction_id", payload.TransactionID, "user_id", userID)
		// Release the transaction so the provider's retry can credit it.
		if delErr := h.idempotency.rdb.Del(r.Context(), h.idempotency.key(payload.TransactionID)).Err(); delErr != nil {
			h.logger.Error("releasing iap idempotency key", "error", delErr, "transaction_id", payload.TransactionID)
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to credit balance")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "credited"})
}

func (h *Handler) verifySignature(r *http.Request, body []byte) error {
	if h.webhookSecret == "" {
		return nil
	}

	sig := r.Header.Get("X-Bundl-Signature")
	if sig == "" {
		return errors.New("missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}
