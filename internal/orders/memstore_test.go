package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var errInjected = errors.New("injected failure")

type memVariant struct {
	price decimal.Decimal
	stock int
}

// memStore is an in-memory Store. Transactions are serialized by txMu and
// undone from an undo log on rollback, which is enough to observe atomicity.
type memStore struct {
	txMu sync.Mutex // held for the lifetime of a transaction

	mu       sync.Mutex
	variants map[int64]*memVariant
	orders   map[int64]Order
	audits   []AuditRecord
	nextID   int64
	reserved []int64 // variant ids in the order ReserveStock saw them

	failOn        string // method name that returns errInjected
	beforeReserve func(variantID int64)
	begins        int
	rollbacks     int
}

func newMemStore() *memStore {
	return &memStore{variants: map[int64]*memVariant{}, orders: map[int64]Order{}}
}

func (m *memStore) addVariant(id int64, price string, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[id] = &memVariant{price: decimal.RequireFromString(price), stock: stock}
}

func (m *memStore) setPrice(id int64, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[id].price = decimal.RequireFromString(price)
}

func (m *memStore) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants[id].stock
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audits)
}

func (m *memStore) reservedOrder() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.reserved...)
}

func (m *memStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	fail := m.failOn == "Begin"
	m.begins++
	m.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	m.txMu.Lock()
	return &memTx{s: m}, nil
}

func (m *memStore) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	o.Items = append([]OrderItem(nil), o.Items...)
	return o, nil
}

func (m *memStore) ListVariants(ctx context.Context) ([]Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Variant, 0, len(m.variants))
	for id, v := range m.variants {
		out = append(out, Variant{ID: id, Price: v.price, Stock: v.stock})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct {
	s    *memStore
	undo []func()
	done bool
}

func (t *memTx) fail(method string) error {
	if t.s.failOn == method {
		return errInjected
	}
	return nil
}

func (t *memTx) ReserveStock(ctx context.Context, variantID int64, qty int) (int64, error) {
	if hook := t.s.beforeReserve; hook != nil {
		hook(variantID)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.reserved = append(t.s.reserved, variantID)
	if err := t.fail("ReserveStock"); err != nil {
		return 0, err
	}
	v, ok := t.s.variants[variantID]
	if !ok || v.stock < qty {
		return 0, nil
	}
	v.stock -= qty
	t.undo = append(t.undo, func() { v.stock += qty })
	return 1, nil
}

func (t *memTx) VariantPrices(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.fail("VariantPrices"); err != nil {
		return nil, err
	}
	out := map[int64]decimal.Decimal{}
	for _, id := range ids {
		if v, ok := t.s.variants[id]; ok {
			out[id] = v.price
		}
	}
	return out, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *Order) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.fail("InsertOrder"); err != nil {
		return err
	}
	t.s.nextID++
	o.ID = t.s.nextID
	o.CreatedAt = time.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	stored := *o
	stored.Items = nil
	t.s.orders[o.ID] = stored
	id := o.ID
	t.undo = append(t.undo, func() { delete(t.s.orders, id) })
	return nil
}

func (t *memTx) InsertItems(ctx context.Context, orderID int64, items []OrderItem) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.fail("InsertItems"); err != nil {
		return err
	}
	o := t.s.orders[orderID]
	for _, it := range items {
		it.OrderID = orderID
		t.s.nextID++
		it.ID = t.s.nextID
		o.Items = append(o.Items, it)
	}
	t.s.orders[orderID] = o
	return nil
}

func (t *memTx) InsertAudit(ctx context.Context, a AuditRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.fail("InsertAudit"); err != nil {
		return err
	}
	a.CreatedAt = time.Now().UTC()
	t.s.audits = append(t.s.audits, a)
	n := len(t.s.audits)
	t.undo = append(t.undo, func() { t.s.audits = t.s.audits[:n-1] })
	return nil
}

func (t *memTx) OrderOwnerStatus(ctx context.Context, orderID int64) (int64, Status, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	o, ok := t.s.orders[orderID]
	if !ok {
		return 0, "", ErrOrderNotFound
	}
	return o.UserID, o.Status, nil
}

func (t *memTx) SetStatus(ctx context.Context, orderID int64, from, to Status, at time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	o, ok := t.s.orders[orderID]
	if !ok || o.Status != from {
		return 0, nil
	}
	prev := o.UpdatedAt
	o.Status = to
	o.UpdatedAt = at
	t.s.orders[orderID] = o
	t.undo = append(t.undo, func() {
		o := t.s.orders[orderID]
		o.Status = from
		o.UpdatedAt = prev
		t.s.orders[orderID] = o
	})
	return 1, nil
}

func (t *memTx) RestockOrder(ctx context.Context, orderID int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.fail("RestockOrder"); err != nil {
		return err
	}
	for _, it := range t.s.orders[orderID].Items {
		v := t.s.variants[it.VariantID]
		qty := it.Quantity
		v.stock += qty
		t.undo = append(t.undo, func() { v.stock -= qty })
	}
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("tx closed")
	}
	t.s.mu.Lock()
	err := t.fail("Commit")
	t.s.mu.Unlock()
	if err != nil {
		// a failed commit behaves like a rollback
		t.Rollback(ctx)
		return err
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.s.rollbacks++
	t.s.mu.Unlock()
	t.done = true
	t.s.txMu.Unlock()
	return nil
}
