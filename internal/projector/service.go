// Package projector keeps the order status cache in step with the events the
// API publishes, so status reads served by other instances converge.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/kgear-orders/internal/kafka"
	"github.com/ariefcatur/kgear-orders/internal/orders"
	"github.com/ariefcatur/kgear-orders/internal/redisx"
)

type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Cache interface {
	Get(ctx context.Context, orderID int64) (redisx.StatusEntry, bool, error)
	Put(ctx context.Context, orderID int64, e redisx.StatusEntry) error
}

type Service struct {
	Dedup Deduper
	Cache Cache
	Log   *slog.Logger
}

// Handle is installed as the consumer handler. A nil return commits the
// offset; an error makes the consumer retry the same message with backoff,
// so a failed cache write releases its dedup claim first.
func (s *Service) Handle(ctx context.Context, m kafkago.Message) error {
	// the producer stamps x-event-type; skip foreign events without decoding
	if et, ok := kafkax.Header(m, "x-event-type"); ok && !projected(et) {
		return nil
	}

	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// poison message, retrying will not help
		s.Log.Error("undecodable envelope", "topic", m.Topic, "offset", m.Offset, "error", err)
		return nil
	}
	if env.EventVersion != 1 {
		s.Log.Warn("unsupported event version", "event_id", env.EventID, "version", env.EventVersion)
		return nil
	}

	var (
		orderID int64
		entry   redisx.StatusEntry
	)
	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			s.Log.Error("undecodable payload", "event_id", env.EventID, "error", err)
			return nil
		}
		orderID = p.OrderID
		entry = redisx.StatusEntry{Status: string(p.Status), UserID: p.UserID, UpdatedAt: p.PlacedAt}
	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			s.Log.Error("undecodable payload", "event_id", env.EventID, "error", err)
			return nil
		}
		orderID = p.OrderID
		entry = redisx.StatusEntry{Status: string(p.To), UserID: p.UserID, UpdatedAt: p.ChangedAt}
	default:
		return nil
	}

	first, err := s.Dedup.FirstSeen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !first {
		s.Log.Debug("duplicate event skipped", "event_id", env.EventID)
		return nil
	}

	// workers run in parallel, so an older event can arrive last
	if cur, ok, err := s.Cache.Get(ctx, orderID); err == nil && ok && cur.UpdatedAt.After(entry.UpdatedAt) {
		s.Log.Debug("stale event skipped", "event_id", env.EventID, "order_id", orderID)
		return nil
	}
	if err := s.Cache.Put(ctx, orderID, entry); err != nil {
		if ferr := s.Dedup.Forget(ctx, env.EventID); ferr != nil {
			s.Log.Warn("dedup release failed", "event_id", env.EventID, "error", ferr)
		}
		return fmt.Errorf("cache order %d: %w", orderID, err)
	}
	s.Log.Info("status projected", "order_id", orderID, "status", entry.Status, "event_type", env.EventType, "trace_id", env.TraceID)
	return nil
}

func projected(eventType string) bool {
	return eventType == orders.EventOrderPlaced || eventType == orders.EventOrderStatusChanged
}
