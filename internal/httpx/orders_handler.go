package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/grocery-orders/internal/catalog"
	"github.com/ariefcatur/grocery-orders/internal/orders"
	"github.com/ariefcatur/grocery-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Identity headers are set by the gateway after authentication.
const (
	HeaderUserID         = "X-User-ID"
	HeaderGuestEmail     = "X-Guest-Email"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type OrdersHandler struct {
	Service *orders.Service
	Catalog *catalog.Service
	Cache   *redisx.OrderCache // nil disables caching
	Log     *zap.Logger
}

type CreateOrderReq struct {
	Items             []orders.ItemInput   `json:"items"`
	ShippingAddressID string               `json:"shipping_address_id,omitempty"`
	ShippingAddress   *orders.Address      `json:"shipping_address,omitempty"`
	PaymentMethod     orders.PaymentMethod `json:"payment_method"`
	Notes             string               `json:"notes,omitempty"`
	Guest             *orders.GuestContact `json:"guest,omitempty"`
}

type CreateOrderResp struct {
	Order      orderView `json:"order"`
	Idempotent bool      `json:"idempotent"`
	Error      string    `json:"error,omitempty"`
}

type UpdateStatusReq struct {
	Status            orders.Status `json:"status"`
	TrackingNumber    *string       `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time    `json:"estimated_delivery,omitempty"`
	Notes             *string       `json:"notes,omitempty"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/payment/retry", h.retryPayment)
	r.Get("/products", h.listProducts)
	r.Post("/webhooks/payment", h.paymentWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/orders/{id}", h.adminGetOrder)
		r.Patch("/orders/{id}/status", h.updateStatus)
	})
}

func (h *OrdersHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "validation"})
}

// callerOf returns the customer identity from gateway headers, nil if none.
func callerOf(r *http.Request) orders.Identity {
	if uid := strings.TrimSpace(r.Header.Get(HeaderUserID)); uid != "" {
		return orders.Authenticated{UserID: uid}
	}
	if email := strings.TrimSpace(r.Header.Get(HeaderGuestEmail)); email != "" {
		return orders.Guest{Contact: orders.GuestContact{Email: email}}
	}
	return nil
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	in := orders.CreateOrderInput{
		Items:             req.Items,
		ShippingAddressID: req.ShippingAddressID,
		ShippingAddress:   req.ShippingAddress,
		PaymentMethod:     req.PaymentMethod,
		Notes:             req.Notes,
		IdempotencyKey:    strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	}
	switch {
	case r.Header.Get(HeaderUserID) != "":
		in.Identity = orders.Authenticated{UserID: strings.TrimSpace(r.Header.Get(HeaderUserID))}
	case req.Guest != nil:
		g := orders.Guest{Contact: *req.Guest}
		if req.ShippingAddress != nil {
			g.Address = *req.ShippingAddress
		}
		in.Identity = g
	default:
		badRequest(w, "sign in or provide guest contact details")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// Fast-path idempotency via Redis (optional, DB tetap jadi kebenaran)
	if id, ok := h.Cache.CreatedOrder(ctx, in.Identity.Owner(), in.IdempotencyKey); ok {
		if o, err := h.Service.GetOrder(ctx, id, nil); err == nil {
			writeJSON(w, http.StatusOK, CreateOrderResp{Order: toView(o), Idempotent: true})
			return
		}
	}

	res, err := h.Service.CreateOrder(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = h.Cache.RememberCreate(ctx, in.Identity.Owner(), in.IdempotencyKey, res.Order.ID)

	resp := CreateOrderResp{Order: toView(res.Order), Idempotent: res.Idempotent}
	switch {
	case res.PaymentErr != nil:
		code, body := errorBodyOf(res.PaymentErr)
		resp.Error = body.Error
		writeJSON(w, code, resp)
	case res.Idempotent:
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusCreated, resp)
	}
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if caller == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "identity required", Code: "unauthorized"})
		return
	}
	h.serveOrder(w, r, caller)
}

func (h *OrdersHandler) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	h.serveOrder(w, r, nil)
}

func (h *OrdersHandler) serveOrder(w http.ResponseWriter, r *http.Request, caller orders.Identity) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if b, ok := h.Cache.Order(ctx, orderID); ok {
		var v orderView
		if err := json.Unmarshal(b, &v); err == nil {
			if !v.visibleTo(caller) {
				writeError(w, orders.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	// 2) fallback DB
	o, err := h.Service.GetOrder(ctx, orderID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	v := toView(o)
	if b, err := json.Marshal(v); err == nil {
		_ = h.Cache.SetOrder(ctx, orderID, b)
	}
	if !v.visibleTo(caller) {
		writeError(w, orders.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if caller == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "identity required", Code: "unauthorized"})
		return
	}
	orderID := chi.URLParam(r, "id")
	o, err := h.Service.Cancel(r.Context(), orderID, caller)
	h.invalidate(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(o))
}

func (h *OrdersHandler) retryPayment(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	if caller == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "identity required", Code: "unauthorized"})
		return
	}
	orderID := chi.URLParam(r, "id")
	o, err := h.Service.RetryPayment(r.Context(), orderID, caller)
	h.invalidate(r.Context(), orderID)
	if err != nil {
		if orders.IsRetryable(err) && o != nil {
			code, body := errorBodyOf(err)
			writeJSON(w, code, CreateOrderResp{Order: toView(o), Error: body.Error})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(o))
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	orderID := chi.URLParam(r, "id")
	o, err := h.Service.UpdateStatus(r.Context(), orders.StatusUpdate{
		OrderID:           orderID,
		Status:            orders.Status(strings.ToUpper(strings.TrimSpace(string(req.Status)))),
		TrackingNumber:    req.TrackingNumber,
		EstimatedDelivery: req.EstimatedDelivery,
		Notes:             req.Notes,
	})
	h.invalidate(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(o))
}

func (h *OrdersHandler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req orders.PaymentWebhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	o, err := h.Service.ApplyPaymentWebhook(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r.Context(), o.ID)
	writeJSON(w, http.StatusOK, toView(o))
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	items, err := h.Catalog.List(ctx)
	if err != nil {
		h.logger().Error("list_products_failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// invalidate drops the cached view; a stale entry would outlive the change by its TTL.
func (h *OrdersHandler) invalidate(ctx context.Context, orderID string) {
	if err := h.Cache.Invalidate(ctx, orderID); err != nil {
		h.logger().Warn("order_cache_invalidate_failed", zap.String("order_id", orderID), zap.Error(err))
	}
}
