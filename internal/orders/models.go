package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Variant struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Shipping struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Phone   string `json:"phone"`
}

type Order struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Status      Status          `json:"status"` // lihat status.go
	TotalAmount decimal.Decimal `json:"total_amount"`
	Shipping
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"` // last status change
	Items     []OrderItem `json:"items"`
}

// OrderItem.UnitPrice is the variant price captured at placement and never
// follows later price changes.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	VariantID int64           `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (it OrderItem) Subtotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Total sums unit price x quantity over items.
func Total(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

type AuditRecord struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	AuditPlaceOrder   = "PLACE_ORDER"
	AuditUpdateStatus = "UPDATE_ORDER_STATUS"
)

type Role string

const (
	RoleBuyer Role = "Buyer"
	RoleAdmin Role = "Admin"
)

// Viewer is the already-authenticated caller.
type Viewer struct {
	UserID int64
	Role   Role
}

func (v Viewer) CanSee(o Order) bool {
	return v.Role == RoleAdmin || v.UserID == o.UserID
}
