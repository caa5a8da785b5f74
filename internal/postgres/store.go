package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/kgear-orders/internal/orders"
)

// Store implements orders.Store on a pgx pool.
type Store struct{ DB *pgxpool.Pool }

var _ orders.Store = (*Store)(nil)

func (s *Store) Begin(ctx context.Context) (orders.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	var (
		o     orders.Order
		total pgtype.Numeric
		st    string
	)
	err := s.DB.QueryRow(ctx, `
		SELECT id, user_id, status, total_amount, address, city, state, zip_code, phone, created_at, updated_at
		FROM orders WHERE id = $1`, orderID,
	).Scan(&o.ID, &o.UserID, &st, &total, &o.Address, &o.City, &o.State, &o.ZipCode, &o.Phone, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("query order: %w", err)
	}
	o.Status = orders.Status(st)
	if o.TotalAmount, err = toDecimal(total); err != nil {
		return orders.Order{}, err
	}

	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, variant_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY variant_id`, orderID)
	if err != nil {
		return orders.Order{}, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it    orders.OrderItem
			price pgtype.Numeric
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.VariantID, &it.Quantity, &price); err != nil {
			return orders.Order{}, err
		}
		if it.UnitPrice, err = toDecimal(price); err != nil {
			return orders.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (s *Store) ListVariants(ctx context.Context) ([]orders.Variant, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, product_id, sku, name, price, stock, created_at, updated_at
                                FROM product_variants ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Variant
	for rows.Next() {
		var (
			v     orders.Variant
			price pgtype.Numeric
		)
		if err := rows.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &price, &v.Stock, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		if v.Price, err = toDecimal(price); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Tx wraps one pgx transaction.
type Tx struct{ tx pgx.Tx }

// ReserveStock is the only statement that decrements stock. The stock
// predicate and the decrement are evaluated by Postgres on the locked row,
// so two racing transactions cannot both pass the check.
func (t *Tx) ReserveStock(ctx context.Context, variantID int64, qty int) (int64, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE product_variants
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, variantID, qty)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *Tx) VariantPrices(ctx context.Context, variantIDs []int64) (map[int64]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, price FROM product_variants WHERE id = ANY($1)`, variantIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[int64]decimal.Decimal, len(variantIDs))
	for rows.Next() {
		var (
			id    int64
			price pgtype.Numeric
		)
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		d, err := toDecimal(price)
		if err != nil {
			return nil, err
		}
		prices[id] = d
	}
	return prices, rows.Err()
}

func (t *Tx) InsertOrder(ctx context.Context, o *orders.Order) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, status, total_amount, address, city, state, zip_code, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		o.UserID, string(o.Status), toNumeric(o.TotalAmount), o.Address, o.City, o.State, o.ZipCode, o.Phone,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

func (t *Tx) InsertItems(ctx context.Context, orderID int64, items []orders.OrderItem) error {
	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(`INSERT INTO order_items (order_id, variant_id, quantity, unit_price)
		         VALUES ($1, $2, $3, $4)`, orderID, it.VariantID, it.Quantity, toNumeric(it.UnitPrice))
	}
	return t.tx.SendBatch(ctx, b).Close()
}

func (t *Tx) InsertAudit(ctx context.Context, a orders.AuditRecord) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO audits (action, details) VALUES ($1, $2)`, a.Action, a.Details)
	return err
}

func (t *Tx) OrderOwnerStatus(ctx context.Context, orderID int64) (int64, orders.Status, error) {
	var (
		userID int64
		st     string
	)
	err := t.tx.QueryRow(ctx, `SELECT user_id, status FROM orders WHERE id = $1`, orderID).Scan(&userID, &st)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", orders.ErrOrderNotFound
	}
	if err != nil {
		return 0, "", err
	}
	return userID, orders.Status(st), nil
}

func (t *Tx) SetStatus(ctx context.Context, orderID int64, from, to orders.Status, at time.Time) (int64, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`, orderID, string(from), string(to), at)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *Tx) RestockOrder(ctx context.Context, orderID int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE product_variants v
		SET stock = v.stock + oi.quantity, updated_at = now()
		FROM order_items oi
		WHERE oi.order_id = $1 AND v.id = oi.variant_id`, orderID)
	return err
}

func (t *Tx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func toDecimal(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("numeric value is not finite")
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}
