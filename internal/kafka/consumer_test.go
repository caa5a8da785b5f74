package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeReader hands out a fixed batch, then blocks until ctx is done.
type fakeReader struct {
	mu      sync.Mutex
	pending []kafka.Message
	commits []kafka.Message
	closed  bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committed(topic string, partition int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, m := range r.commits {
		if m.Topic == topic && m.Partition == partition {
			out = append(out, m.Offset)
		}
	}
	return out
}

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

func msg(topic string, partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: topic, Partition: partition, Offset: offset}
}

func testConsumer(r messageReader, workers int) *Consumer {
	c := newConsumer(r, workers, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryMin = time.Millisecond
	c.retryMax = 4 * time.Millisecond
	return c
}

func TestConsumer_FailedMessageIsRetriedBeforeLaterOffsets(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{
		msg("order.placed", 0, 10),
		msg("order.placed", 0, 11),
		msg("order.status.changed", 1, 5),
		msg("order.placed", 0, 12),
		msg("order.status.changed", 1, 6),
	}}
	c := testConsumer(r, 3)

	var mu sync.Mutex
	attempts := map[int64]int{}
	var handled []int64 // partition 0 of order.placed, in success order
	h := func(ctx context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if m.Topic == "order.placed" {
			attempts[m.Offset]++
			if m.Offset == 10 && attempts[10] < 3 {
				return errors.New("redis down")
			}
			handled = append(handled, m.Offset)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	require.Eventually(t, func() bool { return r.commitCount() == 5 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11, 12}, r.committed("order.placed", 0))
	assert.Equal(t, []int64{5, 6}, r.committed("order.status.changed", 1))
	assert.Equal(t, []int64{10, 11, 12}, handled)
	assert.Equal(t, 3, attempts[10])
	assert.True(t, r.closed)
}

func TestConsumer_ShutdownLeavesFailingMessageUncommitted(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{msg("order.placed", 0, 1), msg("order.placed", 0, 2)}}
	c := testConsumer(r, 2)

	called := make(chan struct{}, 1)
	h := func(ctx context.Context, m kafka.Message) error {
		select {
		case called <- struct{}{}:
		default:
		}
		return errors.New("always failing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	<-called
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, r.commitCount(), "offset 2 must not be committed past failing offset 1")
}

func TestLaneFor_StableAndInRange(t *testing.T) {
	m := msg("order.placed", 3, 0)
	first := laneFor(m, 4)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, laneFor(msg("order.placed", 3, int64(i)), 4))
	}
	for p := 0; p < 16; p++ {
		l := laneFor(msg("order.status.changed", p, 0), 4)
		assert.GreaterOrEqual(t, l, 0)
		assert.Less(t, l, 4)
	}
}
