package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond

	assert.Equal(t, 500*time.Millisecond, backoff(base, 1))
	assert.Equal(t, time.Second, backoff(base, 2))
	assert.Equal(t, 4*time.Second, backoff(base, 4))
	assert.Equal(t, maxBackoff, backoff(base, 20))
	assert.Equal(t, 500*time.Millisecond, backoff(base, 0))
}

func TestAttemptFromHeaders(t *testing.T) {
	assert.Equal(t, 1, attemptFromHeaders(nil))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{"other": "x"}))
	assert.Equal(t, 3, attemptFromHeaders(amqp.Table{
		"x-death": []interface{}{amqp.Table{}, amqp.Table{}, amqp.Table{}},
	}))
}

func TestAttemptFromHeadersPrefersRetryCounter(t *testing.T) {
	assert.Equal(t, 4, attemptFromHeaders(amqp.Table{
		attemptHeader: int32(4),
		"x-death":     []interface{}{amqp.Table{}},
	}))
	assert.Equal(t, 2, attemptFromHeaders(amqp.Table{attemptHeader: int64(2)}))
	assert.Equal(t, 1, attemptFromHeaders(amqp.Table{attemptHeader: int32(0)}))
}

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error { f.acks++; return nil }

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error { return f.Nack(0, false, requeue) }

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func newTestConsumer(handlerErr error, published *[]publishedMsg) *Consumer {
	return &Consumer{
		publish: func(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
			*published = append(*published, publishedMsg{exchange: exchange, key: key, msg: msg})
			return nil
		},
		queue:       "upscaler.requests",
		exchange:    "upscaler",
		dlq:         "upscaler.requests.dlq",
		maxAttempts: 3,
		baseDelay:   time.Millisecond,
		handler:     func(context.Context, []byte) error { return handlerErr },
		logger:      zap.NewNop(),
	}
}

func delivery(ack *fakeAcknowledger, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"input":"a.mp4"}`), Headers: headers}
}

func TestProcessDeliveryAcksHandledRequest(t *testing.T) {
	var published []publishedMsg
	c := newTestConsumer(nil, &published)
	ack := &fakeAcknowledger{}

	c.processDelivery(context.Background(), delivery(ack, nil), c.logger)

	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
	assert.Empty(t, published)
}

func TestProcessDeliveryDefersBusyJobWithoutSpendingAttempt(t *testing.T) {
	var published []publishedMsg
	c := newTestConsumer(fmt.Errorf("run: %w", entity.ErrJobBusy), &published)
	ack := &fakeAcknowledger{}

	// even on the last attempt a busy job is deferred, not parked
	c.processDelivery(context.Background(), delivery(ack, amqp.Table{attemptHeader: int32(3)}), c.logger)

	require.Len(t, published, 1)
	assert.Equal(t, "upscaler", published[0].exchange)
	assert.Equal(t, requestRoutingKey, published[0].key)
	assert.Equal(t, int32(3), published[0].msg.Headers[attemptHeader])
	assert.Equal(t, 1, ack.acks)
}

func TestProcessDeliveryRetriesInfrastructureError(t *testing.T) {
	var published []publishedMsg
	c := newTestConsumer(errors.New("minio unreachable"), &published)
	ack := &fakeAcknowledger{}

	c.processDelivery(context.Background(), delivery(ack, amqp.Table{"trace": "abc"}), c.logger)

	require.Len(t, published, 1)
	assert.Equal(t, requestRoutingKey, published[0].key)
	assert.Equal(t, int32(2), published[0].msg.Headers[attemptHeader])
	assert.Equal(t, "abc", published[0].msg.Headers["trace"])
	assert.Equal(t, `{"input":"a.mp4"}`, string(published[0].msg.Body))
	assert.Equal(t, 1, ack.acks)
}

func TestProcessDeliveryParksExhaustedRequest(t *testing.T) {
	var published []publishedMsg
	c := newTestConsumer(errors.New("minio unreachable"), &published)
	ack := &fakeAcknowledger{}

	c.processDelivery(context.Background(), delivery(ack, amqp.Table{attemptHeader: int32(3)}), c.logger)

	require.Len(t, published, 1)
	assert.Empty(t, published[0].exchange)
	assert.Equal(t, "upscaler.requests.dlq", published[0].key)
	assert.Equal(t, "minio unreachable", published[0].msg.Headers["x-dlq-reason"])
	assert.Equal(t, 1, ack.acks)
}

func TestProcessDeliveryRequeuesOnShutdown(t *testing.T) {
	var published []publishedMsg
	c := newTestConsumer(nil, &published)
	ctx, cancel := context.WithCancel(context.Background())
	c.handler = func(context.Context, []byte) error {
		cancel()
		return context.Canceled
	}
	ack := &fakeAcknowledger{}

	c.processDelivery(ctx, delivery(ack, nil), c.logger)

	assert.Empty(t, published)
	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestProcessDeliveryRequeuesWhenRepublishFails(t *testing.T) {
	var published []publishedMsg
	c := newTestConsumer(errors.New("boom"), &published)
	c.publish = func(context.Context, string, string, bool, bool, amqp.Publishing) error {
		return errors.New("channel closed")
	}
	ack := &fakeAcknowledger{}

	c.processDelivery(context.Background(), delivery(ack, nil), c.logger)

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}
