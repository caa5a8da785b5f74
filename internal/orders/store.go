package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/kgear-orders/internal/inventory"
)

// Store is the relational storage behind the service. Writes only happen
// through a Tx handle obtained from Begin; there is no ambient transaction.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	ListVariants(ctx context.Context) ([]Variant, error)
}

// Tx is one open database transaction. Rollback after Commit is a no-op.
type Tx interface {
	inventory.StockTx

	// VariantPrices is a plain batch read, it takes no locks.
	VariantPrices(ctx context.Context, variantIDs []int64) (map[int64]decimal.Decimal, error)
	// InsertOrder fills o.ID, o.CreatedAt and o.UpdatedAt.
	InsertOrder(ctx context.Context, o *Order) error
	InsertItems(ctx context.Context, orderID int64, items []OrderItem) error
	InsertAudit(ctx context.Context, a AuditRecord) error

	OrderOwnerStatus(ctx context.Context, orderID int64) (userID int64, status Status, err error)
	// SetStatus moves the order from -> to only if it is still in from, and
	// stamps the row with at.
	SetStatus(ctx context.Context, orderID int64, from, to Status, at time.Time) (rowsAffected int64, err error)
	// RestockOrder gives every line item quantity back to its variant.
	RestockOrder(ctx context.Context, orderID int64) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
