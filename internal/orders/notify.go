package orders

import (
	"context"
	"encoding/json"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/kgear-orders/internal/kafka"
	"github.com/ariefcatur/kgear-orders/internal/redisx"
)

// Notifier publishes committed facts. It never takes part in the placement
// transaction.
type Notifier interface {
	Notify(ctx context.Context, topic string, env Envelope) error
}

type StatusCache interface {
	Get(ctx context.Context, orderID int64) (redisx.StatusEntry, bool, error)
	Put(ctx context.Context, orderID int64, e redisx.StatusEntry) error
}

type KafkaNotifier struct {
	Producer *kafkax.Producer
}

func (n KafkaNotifier) Notify(ctx context.Context, topic string, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return n.Producer.Publish(ctx, topic, []byte(env.CorrelationID), b,
		kafkago.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	)
}

type traceKey struct{}

// WithTraceID attaches the request id that ends up in published envelopes.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
