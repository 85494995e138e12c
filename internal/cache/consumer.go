package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/metrics"
	logx "github.com/chatbi-core/server/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	retryHeader       = "x-retry-count"
	defaultMaxRetries = 3
)

// TableEvent announces that the data or structure of tables changed.
type TableEvent struct {
	Tables []string `json:"tables"`
	Source string   `json:"source,omitempty"`
}

type Invalidator interface {
	InvalidateByTables(ctx context.Context, tables []string) (int64, error)
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer deprecates cache entries when table-change events arrive.
// Failed invalidations go through queue.retry (TTL, dead-lettered back to
// the main queue); malformed events and exhausted retries land in queue.dlq.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	queue      string
	retryDelay time.Duration
	maxRetries int
	inv        Invalidator
	pub        publisher
	log        zerolog.Logger
}

func NewConsumer(cfg model.RabbitMQConfig, inv Invalidator) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := DeclareTopology(ch, cfg.TableEventsQueue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	c := newConsumer(cfg, inv, ch)
	c.conn = conn
	c.ch = ch
	return c, nil
}

func newConsumer(cfg model.RabbitMQConfig, inv Invalidator, pub publisher) *Consumer {
	delay := time.Duration(cfg.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = 10 * time.Second
	}
	return &Consumer{
		queue:      cfg.TableEventsQueue,
		retryDelay: delay,
		maxRetries: defaultMaxRetries,
		inv:        inv,
		pub:        pub,
		log:        logx.Component("cache-consumer"),
	}
}

// DeclareTopology declares queue, queue.retry and queue.dlq.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlqQ, err)
	}
	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", retryQ, err)
	}
	// Main queue: dead-letter to DLQ on nack(requeue=false)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.log.Info().Str("queue", c.queue).Msg("table event consumer started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("table event consumer stopping")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var ev TableEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil || len(ev.Tables) == 0 {
		c.log.Warn().Err(err).Msg("bad table event")
		metrics.TableEvents.WithLabelValues("rejected").Inc()
		_ = d.Nack(false, false)
		return
	}

	n, err := c.inv.InvalidateByTables(ctx, ev.Tables)
	if err == nil {
		c.log.Info().Strs("tables", ev.Tables).Str("source", ev.Source).Int64("deprecated", n).Msg("cache invalidated by table event")
		metrics.TableEvents.WithLabelValues("applied").Inc()
		if err := d.Ack(false); err != nil {
			c.log.Warn().Err(err).Msg("ack failed")
		}
		return
	}

	attempt := retryCount(d) + 1
	if attempt > c.maxRetries {
		c.log.Error().Err(err).Strs("tables", ev.Tables).Int("attempts", attempt).Msg("table event dead-lettered")
		metrics.TableEvents.WithLabelValues("dead_lettered").Inc()
		_ = d.Nack(false, false)
		return
	}

	if perr := c.scheduleRetry(ctx, d, attempt); perr != nil {
		c.log.Error().Err(perr).Msg("retry publish failed")
		metrics.TableEvents.WithLabelValues("dead_lettered").Inc()
		_ = d.Nack(false, false)
		return
	}
	c.log.Warn().Err(err).Int("attempt", attempt).Msg("table event scheduled for retry")
	metrics.TableEvents.WithLabelValues("retried").Inc()
	_ = d.Ack(false)
}

func (c *Consumer) scheduleRetry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.pub.PublishWithContext(cctx,
		"",
		c.queue+".retry",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         d.Body,
			Timestamp:    time.Now(),
			Expiration:   strconv.FormatInt(c.retryDelay.Milliseconds(), 10),
			Headers:      amqp.Table{retryHeader: int32(attempt)},
		},
	)
}

func retryCount(d amqp.Delivery) int {
	switch v := d.Headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
