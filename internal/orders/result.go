package orders

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("order status changed concurrently")
	ErrForbidden         = errors.New("forbidden")
)

type FailureReason string

const (
	ReasonNone       FailureReason = ""
	ReasonOutOfStock FailureReason = "out_of_stock"
	ReasonInvalid    FailureReason = "invalid"
	ReasonCancelled  FailureReason = "cancelled"
	ReasonSystem     FailureReason = "system"
)

// PlaceResult is what a placement attempt reports to its caller. OrderID is
// nil unless Success is true; VariantID is set only for ReasonOutOfStock.
type PlaceResult struct {
	Success   bool          `json:"success"`
	OrderID   *int64        `json:"order_id"`
	Message   string        `json:"message"`
	Reason    FailureReason `json:"reason,omitempty"`
	VariantID int64         `json:"variant_id,omitempty"`
}

func placed(orderID int64) PlaceResult {
	return PlaceResult{Success: true, OrderID: &orderID, Message: fmt.Sprintf("Order %d placed", orderID)}
}

func outOfStock(variantID int64) PlaceResult {
	return PlaceResult{
		Reason:    ReasonOutOfStock,
		VariantID: variantID,
		Message:   fmt.Sprintf("variant %d is out of stock", variantID),
	}
}

func invalid(err error) PlaceResult {
	return PlaceResult{Reason: ReasonInvalid, Message: err.Error()}
}

func cancelled() PlaceResult {
	return PlaceResult{Reason: ReasonCancelled, Message: "order placement was cancelled"}
}

func systemFailure() PlaceResult {
	return PlaceResult{Reason: ReasonSystem, Message: "order could not be placed"}
}
