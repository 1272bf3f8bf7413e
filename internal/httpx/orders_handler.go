package httpx

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/go-chi/chi/v5"
	"net/http"
	"time"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderUserID         = "X-User-Id"
	HeaderReplayed       = "Idempotent-Replayed"
)

type CreateOrderReq struct {
	Items []orders.Line `json:"items"`
}

type OrdersHandler struct {
	Service *orders.Service
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	key := r.Header.Get(HeaderIdempotencyKey)
	if userID == "" || key == "" {
		badRequest(w, "X-User-Id and Idempotency-Key headers are required")
		return
	}
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Service.PlaceOrder(ctx, userID, key, req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set(HeaderReplayed, "true")
		writeJSON(w, http.StatusOK, res.Order)
		return
	}
	writeJSON(w, http.StatusCreated, res.Order)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		badRequest(w, "X-User-Id header is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	v, err := h.Service.GetOrder(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		badRequest(w, "X-User-Id header is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := h.Service.CancelOrder(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
