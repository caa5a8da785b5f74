package inventory

import (
	"errors"
	"fmt"
)

var ErrOutOfStock = errors.New("out of stock")

// OutOfStockError reports the variant whose conditional decrement matched no row,
// either because it does not exist or because its stock was below the request.
type OutOfStockError struct {
	VariantID int64
	Requested int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("variant %d: %s (requested %d)", e.VariantID, ErrOutOfStock, e.Requested)
}

func (e *OutOfStockError) Is(target error) bool { return target == ErrOutOfStock }
