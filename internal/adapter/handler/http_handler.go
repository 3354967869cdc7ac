package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// ReservationService is what the transports need from the coordinator.
type ReservationService interface {
	Reserve(ctx context.Context, req domain.ReservationRequest) (domain.Reservation, error)
	GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, []domain.OutcomeRecord, error)
	ApplyOrderEvent(ctx context.Context, orderID string, event domain.OrderEvent) (*domain.Order, error)
}

type AvailabilityChecker interface {
	CheckAvailable(ctx context.Context, inventoryID string, quantity int) (bool, error)
}

type HTTPHandler struct {
	reservations ReservationService
	availability AvailabilityChecker
	logger       *zap.Logger
}

type ProceedHTTPRequest struct {
	InventoryID string `json:"inventory_id"`
	Quantity    int    `json:"quantity"`
}

type ProceedHTTPResponse struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

type CheckoutHTTPRequest struct {
	RequestID   string `json:"request_id"`
	CustomerID  string `json:"customer_id"`
	ProductID   string `json:"product_id"`
	InventoryID string `json:"inventory_id"`
	CartItemID  string `json:"cart_item_id"`
	Quantity    int    `json:"quantity"`
}

type CheckoutHTTPResponse struct {
	OrderID string `json:"order_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message"`
}

type OrderEventHTTPRequest struct {
	Event string `json:"event"`
}

type OutcomeHTTPResponse struct {
	Outcome       string    `json:"outcome"`
	CacheAdmitted bool      `json:"cache_admitted,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

type OrderHTTPResponse struct {
	OrderID          string                `json:"order_id"`
	CustomerID       string                `json:"customer_id,omitempty"`
	Status           string                `json:"status"`
	CreatedAt        time.Time             `json:"created_at,omitzero"`
	LastTransitionAt time.Time             `json:"last_transition_at,omitzero"`
	Outcomes         []OutcomeHTTPResponse `json:"outcomes,omitempty"`
}

type ErrorHTTPResponse struct {
	Message string `json:"message"`
}

func NewHTTPHandler(reservations ReservationService, availability AvailabilityChecker, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{reservations: reservations, availability: availability, logger: logger}
}

// Register mounts the API routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/checkout/proceed", h.Proceed)
	mux.HandleFunc("POST /api/checkout/continue", h.Continue)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("POST /api/orders/{id}/events", h.ApplyEvent)
}

// Proceed is the cheap pre-check before the customer commits to checkout.
func (h *HTTPHandler) Proceed(w http.ResponseWriter, r *http.Request) {
	var req ProceedHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	ok, err := h.availability.CheckAvailable(r.Context(), req.InventoryID, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := ProceedHTTPResponse{Available: ok, Message: "continue"}
	if !ok {
		resp.Message = "insufficient inventory"
	}
	writeJSON(w, http.StatusOK, resp)
}

// Continue runs the reservation protocol for one cart item.
func (h *HTTPHandler) Continue(w http.ResponseWriter, r *http.Request) {
	var req CheckoutHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CheckoutHTTPResponse{Message: "invalid request body"})
		return
	}

	res, err := h.reservations.Reserve(r.Context(), domain.ReservationRequest{
		RequestID:   req.RequestID,
		CartItemID:  req.CartItemID,
		CustomerID:  req.CustomerID,
		ProductID:   req.ProductID,
		InventoryID: req.InventoryID,
		Quantity:    req.Quantity,
	})
	if err != nil {
		h.logger.Warn("checkout rejected", zap.String("inventory_id", req.InventoryID), zap.Error(err))
		writeJSON(w, KindOf(err).HTTPStatus(), CheckoutHTTPResponse{
			OrderID: res.OrderID,
			Outcome: string(res.Outcome),
			Message: message(err),
		})
		return
	}

	status, msg := outcomeStatus(res.Outcome)
	writeJSON(w, status, CheckoutHTTPResponse{
		OrderID: res.OrderID,
		Outcome: string(res.Outcome),
		Message: msg,
	})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, records, err := h.reservations.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := OrderHTTPResponse{
		OrderID:          order.ID,
		CustomerID:       order.CustomerID,
		Status:           string(order.Status),
		CreatedAt:        order.CreatedAt,
		LastTransitionAt: order.LastTransitionAt,
	}
	for _, rec := range records {
		resp.Outcomes = append(resp.Outcomes, OutcomeHTTPResponse{
			Outcome:       string(rec.Outcome),
			CacheAdmitted: rec.CacheAdmitted,
			RecordedAt:    rec.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApplyEvent accepts payment and delivery events for an order.
func (h *HTTPHandler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	var req OrderEventHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	order, err := h.reservations.ApplyOrderEvent(r.Context(), r.PathValue("id"), domain.OrderEvent(req.Event))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderHTTPResponse{OrderID: order.ID, Status: string(order.Status)})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	if kind == KindInternal || kind == KindUnavailable {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, kind.HTTPStatus(), ErrorHTTPResponse{Message: message(err)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
