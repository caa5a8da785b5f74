package orders

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/ariefcatur/kgear-orders/internal/inventory"
)

var ErrInvalidRequest = errors.New("invalid order request")

// MaxLineQuantity bounds the merged quantity of one variant; stock and
// quantity columns are INTEGER.
const MaxLineQuantity = math.MaxInt32

// shipping column widths in schema.sql, in characters
var shippingLimits = []struct {
	field string
	max   int
	value func(Shipping) string
}{
	{"address", 255, func(s Shipping) string { return s.Address }},
	{"city", 100, func(s Shipping) string { return s.City }},
	{"state", 100, func(s Shipping) string { return s.State }},
	{"zip_code", 10, func(s Shipping) string { return s.ZipCode }},
	{"phone", 15, func(s Shipping) string { return s.Phone }},
}

type ItemInput struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type PlaceRequest struct {
	Shipping
	Items []ItemInput `json:"items"`
}

// Validate runs before any transaction is opened.
func (r PlaceRequest) Validate(userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	merged := make(map[int64]int64, len(r.Items))
	for i, it := range r.Items {
		if it.VariantID <= 0 {
			return fmt.Errorf("%w: item %d has invalid variant id %d", ErrInvalidRequest, i, it.VariantID)
		}
		if it.Quantity <= 0 || it.Quantity > MaxLineQuantity {
			return fmt.Errorf("%w: invalid quantity %d for variant %d", ErrInvalidRequest, it.Quantity, it.VariantID)
		}
		merged[it.VariantID] += int64(it.Quantity)
		if merged[it.VariantID] > MaxLineQuantity {
			return fmt.Errorf("%w: total quantity for variant %d exceeds %d", ErrInvalidRequest, it.VariantID, MaxLineQuantity)
		}
	}
	if strings.TrimSpace(r.Address) == "" || strings.TrimSpace(r.Phone) == "" {
		return fmt.Errorf("%w: address and phone are required", ErrInvalidRequest)
	}
	for _, l := range shippingLimits {
		if n := utf8.RuneCountInString(l.value(r.Shipping)); n > l.max {
			return fmt.Errorf("%w: %s is %d characters, max %d", ErrInvalidRequest, l.field, n, l.max)
		}
	}
	return nil
}

// lines merges repeated variants, see inventory.Merge.
func (r PlaceRequest) lines() []inventory.Line {
	in := make([]inventory.Line, 0, len(r.Items))
	for _, it := range r.Items {
		in = append(in, inventory.Line{VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return inventory.Merge(in)
}
