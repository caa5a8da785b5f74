package inventory

import (
	"context"
	"fmt"
	"sort"
)

// StockTx is the part of an open transaction that reservation runs against.
// ReserveStock must execute a single conditional statement of the form
//
//	UPDATE ... SET stock = stock - qty WHERE id = variantID AND stock >= qty
//
// and report how many rows it touched.
type StockTx interface {
	ReserveStock(ctx context.Context, variantID int64, qty int) (rowsAffected int64, err error)
}

type Line struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

// Reserve decrements stock for one variant inside tx. A zero row count comes
// back as *OutOfStockError; the decrement only becomes durable when tx commits.
func Reserve(ctx context.Context, tx StockTx, variantID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve variant %d: quantity must be positive, got %d", variantID, qty)
	}
	n, err := tx.ReserveStock(ctx, variantID, qty)
	if err != nil {
		return fmt.Errorf("reserve variant %d: %w", variantID, err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return &OutOfStockError{VariantID: variantID, Requested: qty}
	default:
		return fmt.Errorf("reserve variant %d: unexpected rows affected %d", variantID, n)
	}
}

// ReserveAll reserves lines in ascending variant id order and stops at the
// first failure. Callers roll back tx on error.
func ReserveAll(ctx context.Context, tx StockTx, lines []Line) error {
	for _, l := range Sorted(lines) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := Reserve(ctx, tx, l.VariantID, l.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// Sorted returns a copy of lines ordered by variant id so that concurrent
// placements touching overlapping variants take row locks in the same order.
func Sorted(lines []Line) []Line {
	out := make([]Line, len(lines))
	copy(out, lines)
	sort.SliceStable(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

// Merge folds repeated variant ids into one line carrying the summed quantity.
// The result is sorted by variant id.
func Merge(lines []Line) []Line {
	idx := make(map[int64]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.VariantID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.VariantID] = len(out)
		out = append(out, l)
	}
	return Sorted(out)
}
