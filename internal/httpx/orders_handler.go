package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/kgear-orders/internal/orders"
)

// OrderService is the part of orders.Service the HTTP layer uses.
type OrderService interface {
	PlaceOrder(ctx context.Context, userID int64, req orders.PlaceRequest) (orders.PlaceResult, error)
	GetOrder(ctx context.Context, v orders.Viewer, orderID int64) (orders.Order, error)
	OrderStatus(ctx context.Context, v orders.Viewer, orderID int64) (orders.StatusView, error)
	UpdateStatus(ctx context.Context, v orders.Viewer, orderID int64, to orders.Status) error
	ListVariants(ctx context.Context) ([]orders.Variant, error)
}

// Identity is established upstream; these headers carry it in.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

type OrdersHandler struct {
	Orders       OrderService
	PlaceTimeout time.Duration
	Log          *slog.Logger
}

type UpdateStatusReq struct {
	Status orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Patch("/orders/{id}/status", h.updateStatus)
	r.Get("/variants", h.listVariants)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func viewer(r *http.Request) (orders.Viewer, bool) {
	id, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || id <= 0 {
		return orders.Viewer{}, false
	}
	role := orders.Role(r.Header.Get(HeaderUserRole))
	if role != orders.RoleAdmin {
		role = orders.RoleBuyer
	}
	return orders.Viewer{UserID: id, Role: role}, true
}

func orderID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	var req orders.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	timeout := h.PlaceTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := h.Orders.PlaceOrder(ctx, v.UserID, req)
	if err != nil && res.Reason == orders.ReasonSystem {
		h.Log.Error("place order", "user_id", v.UserID, "error", err)
	}
	writeJSON(w, placeStatus(res), res)
}

func placeStatus(res orders.PlaceResult) int {
	switch {
	case res.Success:
		return http.StatusCreated
	case res.Reason == orders.ReasonOutOfStock:
		return http.StatusConflict
	case res.Reason == orders.ReasonInvalid:
		return http.StatusBadRequest
	case res.Reason == orders.ReasonCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	id, ok := orderID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, v, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	id, ok := orderID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	sv, err := h.Orders.OrderStatus(ctx, v, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sv)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	v, ok := viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	id, ok := orderID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req UpdateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Orders.UpdateStatus(ctx, v, id, req.Status); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "status": req.Status})
}

func (h *OrdersHandler) listVariants(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	vs, err := h.Orders.ListVariants(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (h *OrdersHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orders.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, orders.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, orders.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout")
	default:
		h.Log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
