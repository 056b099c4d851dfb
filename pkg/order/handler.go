package order

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bundl/bundl/internal/auth"
	"github.com/bundl/bundl/internal/httpserver"
	"github.com/bundl/bundl/pkg/credit"
)

// Handler provides the HTTP surface for order creation, discovery,
// pledging, and status lookup.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates an order Handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Routes returns a chi.Router with all order routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleListNearby)
	r.Route("/{orderID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/pledges", h.handlePledge)
	})
	return r
}

// CreateRequest is the payload for posting a new group order.
type CreateRequest struct {
	AmountNeeded  float64 `json:"amount_needed" validate:"required,gt=0"`
	Platform      string  `json:"platform" validate:"required,oneof=doordash ubereats grubhub other"`
	Latitude      float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude     float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	InitialPledge float64 `json:"initial_pledge,omitempty" validate:"omitempty,gt=0"`
	ExpirySeconds int     `json:"expiry_seconds,omitempty" validate:"omitempty,gt=0"`
}

// PledgeRequest is the payload for pledging toward an existing order.
type PledgeRequest struct {
	Amount float64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid bearer token")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	o, err := h.engine.CreateOrder(r.Context(), identity.UserID, req.AmountNeeded, req.Platform, req.Latitude, req.Longitude, req.InitialPledge, req.ExpirySeconds)
	if err != nil {
		h.respondEngineError(w, r, "creating order", err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, o)
}

func (h *Handler) handlePledge(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid bearer token")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid order ID")
		return
	}

	var req PledgeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	o, err := h.engine.PledgeToOrder(r.Context(), orderID, identity.UserID, req.Amount)
	if err != nil {
		h.respondEngineError(w, r, "pledging to order", err)
		return
	}

	if o.Status == StatusComplete {
		httpserver.Respond(w, http.StatusOK, &OrderView{Order: o, PhoneNumbers: h.engine.resolvePhoneNumbers(r.Context(), o)})
		return
	}
	httpserver.Respond(w, http.StatusOK, o)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid bearer token")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid order ID")
		return
	}

	view, err := h.engine.GetOrderStatus(r.Context(), identity.UserID, orderID)
	if err != nil {
		h.respondEngineError(w, r, "getting order", err)
		return
	}

	httpserver.Respond(w, http.StatusOK, view)
}

func (h *Handler) handleListNearby(w http.ResponseWriter, r *http.Request) {
	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("latitude"), 64)
	lon, lonErr := strconv.ParseFloat(r.URL.Query().Get("longitude"), 64)
	if latErr != nil || lonErr != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "latitude and longitude query parameters are required")
		return
	}

	radiusKm := 5.0
	if raw := r.URL.Query().Get("radiusKm"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "radiusKm must be a positive number")
			return
		}
		radiusKm = parsed
	}

	orders, err := h.engine.GetActiveOrdersNear(r.Context(), lat, lon, radiusKm)
	if err != nil {
		h.logger.Error("listing nearby orders", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list nearby orders")
		return
	}

	httpserver.Respond(w, http.StatusOK, orders)
}

func (h *Handler) respondEngineError(w http.ResponseWriter, r *http.Request, action string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	case errors.Is(err, ErrNotActive):
		httpserver.RespondError(w, http.StatusBadRequest, "ORDER_NOT_ACTIVE", "order is no longer active")
	case errors.Is(err, ErrFullyPledged):
		httpserver.RespondError(w, http.StatusBadRequest, "ORDER_FULLY_PLEDGED", "order is already fully pledged")
	case errors.Is(err, ErrInvalidPledge):
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "VALIDATION", err.Error())
	case errors.Is(err, credit.ErrInsufficientCredits):
		httpserver.RespondError(w, http.StatusBadRequest, "INSUFFICIENT_CREDITS", "insufficient credits")
	default:
		h.logger.Error(action, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}
