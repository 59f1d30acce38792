package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes one request body. nil acknowledges the request;
// an error retries it (see Consumer.processDelivery).
type MessageHandler func(ctx context.Context, body []byte) error

type publishFunc func(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	publish     publishFunc
	queue       string
	exchange    string
	dlq         string
	workerCount int
	maxAttempts int
	baseDelay   time.Duration
	handler     MessageHandler
	logger      *zap.Logger
	wg          sync.WaitGroup
}

type ConsumerConfig struct {
	URL         string
	Queue       string
	Exchange    string
	DLQ         string
	StatusQueue string
	Prefetch    int
	WorkerCount int
	MaxAttempts int
	BaseDelayMs int
}

const (
	requestRoutingKey = "upscaler.request"
	statusRoutingKey  = "upscaler.status"
	attemptHeader     = "x-upscaler-attempt"
	maxBackoff        = 60 * time.Second
)

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}

	err = ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	for _, q := range []string{cfg.Queue, cfg.DLQ, cfg.StatusQueue} {
		_, err = ch.QueueDeclare(q, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	err = ch.QueueBind(cfg.Queue, requestRoutingKey, cfg.Exchange, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bind request queue: %w", err)
	}

	err = ch.QueueBind(cfg.StatusQueue, statusRoutingKey, cfg.Exchange, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bind status queue: %w", err)
	}

	err = ch.Qos(cfg.Prefetch, 0, false)
	if err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &Consumer{
		conn:        conn,
		channel:     ch,
		publish:     ch.PublishWithContext,
		queue:       cfg.Queue,
		exchange:    cfg.Exchange,
		dlq:         cfg.DLQ,
		workerCount: cfg.WorkerCount,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		handler:     handler,
		logger:      logger,
	}, nil
}

// Start runs WorkerCount request workers until ctx is cancelled and every
// worker has finished its current request.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Info("request workers starting",
		zap.Int("workers", c.workerCount),
		zap.Int("max_attempts", c.maxAttempts),
		zap.String("queue", c.queue),
	)
	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("shutdown requested, waiting for in-flight jobs to checkpoint")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			c.processDelivery(ctx, d, log.With(zap.Uint64("delivery_tag", d.DeliveryTag)))
		}
	}
}

// processDelivery settles one request:
//   - handled: ack
//   - interrupted by shutdown: requeue as is, it was not a failed attempt
//   - job already running here: retry after the base delay, attempt unchanged
//   - any other error: retry with exponential backoff and the attempt
//     counter raised, or park in the DLQ once MaxAttempts is reached
func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log *zap.Logger) {
	err := c.handler(ctx, d.Body)
	attempt := attemptFromHeaders(d.Headers)

	switch {
	case err == nil:
		_ = d.Ack(false)
	case ctx.Err() != nil:
		log.Info("request interrupted by shutdown, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
	case errors.Is(err, entity.ErrJobBusy):
		log.Info("job busy, deferring request", zap.Duration("delay", c.baseDelay))
		c.retry(ctx, d, attempt, c.baseDelay, log)
	case attempt >= c.maxAttempts:
		log.Error("request failed on its last attempt, parking in DLQ",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		c.park(ctx, d, err, log)
	default:
		delay := backoff(c.baseDelay, attempt)
		log.Warn("request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.retry(ctx, d, attempt+1, delay, log)
	}
}

// retry republishes the request with its attempt counter set after delay and
// acks the original. Shutdown or a failed republish requeues the original.
func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, attempt int, delay time.Duration, log *zap.Logger) {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	headers := copyHeaders(d.Headers)
	headers[attemptHeader] = int32(attempt)
	if err := c.publish(ctx, c.exchange, requestRoutingKey, false, false, republished(d, headers)); err != nil {
		log.Error("republish failed, requeueing original", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) park(ctx context.Context, d amqp.Delivery, cause error, log *zap.Logger) {
	headers := copyHeaders(d.Headers)
	headers["x-dlq-reason"] = cause.Error()
	headers["x-dlq-source"] = "video-upscaler"
	if err := c.publish(ctx, "", c.dlq, false, false, republished(d, headers)); err != nil {
		log.Error("DLQ publish failed, requeueing original", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func republished(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return amqp.Publishing{
		ContentType:  contentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
	}
}

func copyHeaders(h amqp.Table) amqp.Table {
	out := make(amqp.Table, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// attemptFromHeaders returns the attempt number of a delivery: the counter
// this consumer writes on retry, else the broker's x-death count, else 1.
func attemptFromHeaders(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return max(int(v), 1)
	case int64:
		return max(int(v), 1)
	case int:
		return max(v, 1)
	}
	if deaths, ok := headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		return len(deaths)
	}
	return 1
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay <= 0 || delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
