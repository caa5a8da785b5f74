package projector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/kgear-orders/internal/orders"
	"github.com/ariefcatur/kgear-orders/internal/redisx"
)

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[int64]redisx.StatusEntry
	puts    int
	err     error
}

func (c *memCache) Get(ctx context.Context, id int64) (redisx.StatusEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok, nil
}

func (c *memCache) Put(ctx context.Context, id int64, e redisx.StatusEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.puts++
	c.entries[id] = e
	return nil
}

func newTestService() (*Service, *memDedup, *memCache) {
	d := &memDedup{seen: map[string]bool{}}
	c := &memCache{entries: map[int64]redisx.StatusEntry{}}
	return &Service{Dedup: d, Cache: c, Log: slog.New(slog.NewTextHandler(io.Discard, nil))}, d, c
}

func message(t *testing.T, env orders.Envelope) kafkago.Message {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: orders.TopicOrderPlaced, Value: b}
}

func placedEnvelope(t *testing.T, orderID int64, at time.Time) orders.Envelope {
	t.Helper()
	env, err := orders.OrderPlacedEvent("order-api", "trace-1", orders.Order{
		ID: orderID, UserID: 7, Status: orders.StatusPending,
		TotalAmount: decimal.RequireFromString("10.00"), CreatedAt: at,
	})
	require.NoError(t, err)
	return env
}

func changedEnvelope(t *testing.T, orderID int64, to orders.Status, at time.Time) orders.Envelope {
	t.Helper()
	env, err := orders.StatusChangedEvent("order-api", "", orders.OrderStatusChangedPayload{
		OrderID: orderID, UserID: 7, From: orders.StatusPending, To: to, ChangedAt: at,
	})
	require.NoError(t, err)
	return env
}

func TestHandle_OrderPlaced(t *testing.T) {
	svc, _, cache := newTestService()
	now := time.Now().UTC()

	require.NoError(t, svc.Handle(context.Background(), message(t, placedEnvelope(t, 1, now))))

	e := cache.entries[1]
	assert.Equal(t, string(orders.StatusPending), e.Status)
	assert.Equal(t, int64(7), e.UserID)
}

func TestHandle_DuplicateIsSkipped(t *testing.T) {
	svc, _, cache := newTestService()
	m := message(t, placedEnvelope(t, 1, time.Now().UTC()))

	require.NoError(t, svc.Handle(context.Background(), m))
	require.NoError(t, svc.Handle(context.Background(), m))

	assert.Equal(t, 1, cache.puts)
}

func TestHandle_OlderEventDoesNotOverwrite(t *testing.T) {
	svc, _, cache := newTestService()
	t0 := time.Now().UTC()

	require.NoError(t, svc.Handle(context.Background(), message(t, changedEnvelope(t, 1, orders.StatusProcessing, t0.Add(time.Minute)))))
	require.NoError(t, svc.Handle(context.Background(), message(t, placedEnvelope(t, 1, t0))))

	assert.Equal(t, string(orders.StatusProcessing), cache.entries[1].Status)
}

func TestHandle_CacheFailureReleasesDedup(t *testing.T) {
	svc, dedup, cache := newTestService()
	cache.err = errors.New("redis down")
	env := placedEnvelope(t, 1, time.Now().UTC())

	err := svc.Handle(context.Background(), message(t, env))

	require.Error(t, err)
	assert.False(t, dedup.seen[env.EventID], "event must be retryable")

	cache.err = nil
	require.NoError(t, svc.Handle(context.Background(), message(t, env)))
	assert.Equal(t, 1, cache.puts)
}

func TestHandle_IgnoresUnknownAndGarbage(t *testing.T) {
	svc, _, cache := newTestService()

	require.NoError(t, svc.Handle(context.Background(), kafkago.Message{Value: []byte("not json")}))
	env := placedEnvelope(t, 1, time.Now().UTC())
	env.EventType = "StockReserved"
	require.NoError(t, svc.Handle(context.Background(), message(t, env)))
	env = placedEnvelope(t, 2, time.Now().UTC())
	env.EventVersion = 2
	require.NoError(t, svc.Handle(context.Background(), message(t, env)))

	assert.Zero(t, cache.puts)
}

func TestHandle_SkipsForeignEventTypeByHeader(t *testing.T) {
	svc, dedup, cache := newTestService()
	m := message(t, placedEnvelope(t, 1, time.Now().UTC()))
	m.Headers = []kafkago.Header{{Key: "x-event-type", Value: []byte("StockReserved")}}

	require.NoError(t, svc.Handle(context.Background(), m))

	assert.Zero(t, cache.puts)
	assert.Empty(t, dedup.seen, "skipped events are not claimed")

	m.Headers = []kafkago.Header{{Key: "x-event-type", Value: []byte(orders.EventOrderPlaced)}}
	require.NoError(t, svc.Handle(context.Background(), m))
	assert.Equal(t, 1, cache.puts)
}
