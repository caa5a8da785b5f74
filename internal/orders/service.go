package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/kgear-orders/internal/inventory"
	"github.com/ariefcatur/kgear-orders/internal/redisx"
)

const rollbackTimeout = 5 * time.Second

// Phase names the steps of one placement attempt, for logs.
type Phase string

const (
	PhaseStarted        Phase = "started"
	PhaseReservingStock Phase = "reserving_stock"
	PhaseAllReserved    Phase = "all_reserved"
	PhasePersisting     Phase = "persisting"
	PhaseCommitted      Phase = "committed"
	PhaseRolledBack     Phase = "rolled_back"
)

type Service struct {
	Store    Store
	Notifier Notifier    // optional
	Cache    StatusCache // optional
	Log      *slog.Logger
	Producer string // envelope producer name
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// PlaceOrder reserves stock for every requested variant and persists the
// order, its items and an audit row in one transaction.
//
// Out-of-stock is reported through the result with a nil error. Validation
// failures, cancellation and storage faults come back as a failed result and
// a non-nil error. Whatever the outcome, nothing from a failed attempt is
// left in the database.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, req PlaceRequest) (PlaceResult, error) {
	if err := req.Validate(userID); err != nil {
		return invalid(err), err
	}

	order, err := s.place(ctx, userID, req.Shipping, req.lines())
	if err != nil {
		var oos *inventory.OutOfStockError
		switch {
		case errors.As(err, &oos):
			s.log().Info("order rejected", "user_id", userID, "variant_id", oos.VariantID, "requested", oos.Requested)
			return outOfStock(oos.VariantID), nil
		case ctx.Err() != nil:
			s.log().Warn("order placement cancelled", "user_id", userID, "error", err)
			return cancelled(), fmt.Errorf("place order: %w", ctx.Err())
		default:
			s.log().Error("order placement failed", "user_id", userID, "error", err)
			return systemFailure(), fmt.Errorf("place order: %w", err)
		}
	}

	s.afterPlace(ctx, order)
	return placed(order.ID), nil
}

func (s *Service) place(ctx context.Context, userID int64, ship Shipping, lines []inventory.Line) (order Order, err error) {
	lg := s.log().With("user_id", userID)
	lg.Debug("placement", "phase", PhaseStarted, "lines", len(lines))

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.rollback(ctx, tx)
			lg.Debug("placement", "phase", PhaseRolledBack)
		}
	}()

	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.VariantID)
	}
	prices, err := tx.VariantPrices(ctx, ids)
	if err != nil {
		return Order{}, fmt.Errorf("load prices: %w", err)
	}

	lg.Debug("placement", "phase", PhaseReservingStock)
	if err := inventory.ReserveAll(ctx, tx, lines); err != nil {
		return Order{}, err
	}
	lg.Debug("placement", "phase", PhaseAllReserved)

	items := make([]OrderItem, 0, len(lines))
	for _, l := range lines {
		price, ok := prices[l.VariantID]
		if !ok {
			// reserved but absent from the earlier read: created concurrently
			return Order{}, fmt.Errorf("no price captured for variant %d", l.VariantID)
		}
		items = append(items, OrderItem{VariantID: l.VariantID, Quantity: l.Quantity, UnitPrice: price})
	}

	order = Order{
		UserID:      userID,
		Status:      StatusPending,
		TotalAmount: Total(items),
		Shipping:    ship,
		Items:       items,
	}

	lg.Debug("placement", "phase", PhasePersisting)
	if err := tx.InsertOrder(ctx, &order); err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	if err := tx.InsertItems(ctx, order.ID, order.Items); err != nil {
		return Order{}, fmt.Errorf("insert items: %w", err)
	}
	if err := tx.InsertAudit(ctx, AuditRecord{
		Action:  AuditPlaceOrder,
		Details: placeAuditDetails(order),
	}); err != nil {
		return Order{}, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	lg.Debug("placement", "phase", PhaseCommitted)
	lg.Info("order placed", "order_id", order.ID, "total", order.TotalAmount.StringFixed(2), "items", len(order.Items))
	return order, nil
}

// rollback runs on a context detached from ctx so that a cancelled caller
// still gets its reservations undone.
func (s *Service) rollback(ctx context.Context, tx Tx) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := tx.Rollback(rbCtx); err != nil {
		s.log().Error("rollback failed", "error", err)
	}
}

func placeAuditDetails(o Order) string {
	return fmt.Sprintf("order %d placed by user %d: %d items, total %s",
		o.ID, o.UserID, len(o.Items), o.TotalAmount.StringFixed(2))
}

// afterPlace publishes and caches a committed order. Failures here are logged
// only; the order already exists.
func (s *Service) afterPlace(ctx context.Context, o Order) {
	if s.Cache != nil {
		if err := s.Cache.Put(ctx, o.ID, redisx.StatusEntry{Status: string(o.Status), UserID: o.UserID, UpdatedAt: o.CreatedAt}); err != nil {
			s.log().Warn("status cache write failed", "order_id", o.ID, "error", err)
		}
	}
	if s.Notifier == nil {
		return
	}
	env, err := OrderPlacedEvent(s.Producer, traceID(ctx), o)
	if err == nil {
		err = s.Notifier.Notify(ctx, TopicOrderPlaced, env)
	}
	if err != nil {
		s.log().Warn("publish order placed failed", "order_id", o.ID, "error", err)
	}
}

// GetOrder returns the order with its items. Buyers only see their own
// orders; anything else is reported as not found.
func (s *Service) GetOrder(ctx context.Context, v Viewer, orderID int64) (Order, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !v.CanSee(o) {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

type StatusView struct {
	OrderID   int64     `json:"order_id"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Cached    bool      `json:"cached"`
}

// OrderStatus answers from the status cache when it can and falls back to
// the database, warming the cache on the way out.
func (s *Service) OrderStatus(ctx context.Context, v Viewer, orderID int64) (StatusView, error) {
	if s.Cache != nil {
		e, ok, err := s.Cache.Get(ctx, orderID)
		if err != nil {
			s.log().Warn("status cache read failed", "order_id", orderID, "error", err)
		}
		if ok {
			if v.Role != RoleAdmin && v.UserID != e.UserID {
				return StatusView{}, ErrOrderNotFound
			}
			return StatusView{OrderID: orderID, Status: Status(e.Status), UpdatedAt: e.UpdatedAt, Cached: true}, nil
		}
	}

	o, err := s.GetOrder(ctx, v, orderID)
	if err != nil {
		return StatusView{}, err
	}
	// stamp with the row's own change time so newer events still win
	if s.Cache != nil {
		if err := s.Cache.Put(ctx, orderID, redisx.StatusEntry{Status: string(o.Status), UserID: o.UserID, UpdatedAt: o.UpdatedAt}); err != nil {
			s.log().Warn("status cache write failed", "order_id", orderID, "error", err)
		}
	}
	return StatusView{OrderID: orderID, Status: o.Status, UpdatedAt: o.UpdatedAt}, nil
}

func (s *Service) ListVariants(ctx context.Context) ([]Variant, error) {
	return s.Store.ListVariants(ctx)
}

// UpdateStatus moves an order along the status machine. Only admins may call
// it. Cancelling returns the reserved quantities to stock in the same
// transaction.
func (s *Service) UpdateStatus(ctx context.Context, v Viewer, orderID int64, to Status) error {
	if v.Role != RoleAdmin {
		return ErrForbidden
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.rollback(ctx, tx)
		}
	}()

	userID, from, err := tx.OrderOwnerStatus(ctx, orderID)
	if err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	changedAt := time.Now().UTC()
	n, err := tx.SetStatus(ctx, orderID, from, to, changedAt)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	if to == StatusCancelled {
		if err := tx.RestockOrder(ctx, orderID); err != nil {
			return fmt.Errorf("restock: %w", err)
		}
	}
	if err := tx.InsertAudit(ctx, AuditRecord{
		Action:  AuditUpdateStatus,
		Details: fmt.Sprintf("order %d: %s -> %s by user %d", orderID, from, to, v.UserID),
	}); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	s.log().Info("order status changed", "order_id", orderID, "from", from, "to", to)

	changed := OrderStatusChangedPayload{OrderID: orderID, UserID: userID, From: from, To: to, ChangedAt: changedAt}
	if s.Cache != nil {
		if err := s.Cache.Put(ctx, orderID, redisx.StatusEntry{Status: string(to), UserID: userID, UpdatedAt: changed.ChangedAt}); err != nil {
			s.log().Warn("status cache write failed", "order_id", orderID, "error", err)
		}
	}
	if s.Notifier != nil {
		env, err := StatusChangedEvent(s.Producer, traceID(ctx), changed)
		if err == nil {
			err = s.Notifier.Notify(ctx, TopicOrderStatusChanged, env)
		}
		if err != nil {
			s.log().Warn("publish status changed failed", "order_id", orderID, "error", err)
		}
	}
	return nil
}
