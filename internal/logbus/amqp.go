package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kumocorp/engine/internal/logging"
)

// AMQPConfig configures an AMQPConsumer.
type AMQPConfig struct {
	URL        string
	Exchange   string // "" publishes directly to Queue via the default exchange
	Queue      string
	QueueDepth int
}

// AMQPConsumer publishes each accepted Record as a JSON message to a
// RabbitMQ broker, per spec.md §4.9's optional network consumers.
// Grounded on the same queue-then-worker-goroutine shape as
// WebhookConsumer; the connection is established once and reused for
// the life of the consumer, reconnecting lazily on the next publish
// after a failure rather than maintaining a background reconnect loop.
type AMQPConsumer struct {
	cfg    AMQPConfig
	logger *logging.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	queue chan Record
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewAMQPConsumer dials the broker and starts the background publish
// worker. The initial dial failure is returned; subsequent failures are
// retried lazily on each publish.
func NewAMQPConsumer(cfg AMQPConfig, logger *logging.Logger) (*AMQPConsumer, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	c := &AMQPConsumer{
		cfg:    cfg,
		logger: logger.WithFields("component", "logbus", "consumer", "amqp"),
		queue:  make(chan Record, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
	if err := c.connectLocked(); err != nil {
		return nil, fmt.Errorf("logbus: amqp dial: %w", err)
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

func (c *AMQPConsumer) connectLocked() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	c.conn = conn
	c.ch = ch
	return nil
}

func (c *AMQPConsumer) Name() string { return "amqp" }

func (c *AMQPConsumer) Accept(Record) bool { return true }

// Consume enqueues rec for the background publisher, dropping it (and
// returning an error for the bus to log) if the queue is saturated.
func (c *AMQPConsumer) Consume(ctx context.Context, rec Record) error {
	select {
	case c.queue <- rec:
		return nil
	default:
		return fmt.Errorf("logbus: amqp queue full, dropping record for message %s", rec.MessageID)
	}
}

func (c *AMQPConsumer) run() {
	defer c.wg.Done()
	for {
		select {
		case rec := <-c.queue:
			c.publish(rec)
		case <-c.done:
			return
		}
	}
}

func (c *AMQPConsumer) publish(rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("marshal amqp record", "error", err.Error())
		return
	}

	c.mu.Lock()
	if c.ch == nil {
		if err := c.connectLocked(); err != nil {
			c.mu.Unlock()
			c.logger.Warn("amqp reconnect failed", "error", err.Error())
			return
		}
	}
	ch := c.ch
	c.mu.Unlock()

	err = ch.Publish(c.cfg.Exchange, c.cfg.Queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		c.logger.Warn("amqp publish failed", "error", err.Error(), "message_id", rec.MessageID)
		c.mu.Lock()
		c.ch = nil
		c.conn = nil
		c.mu.Unlock()
	}
}

// Close stops the background worker and closes the broker connection.
func (c *AMQPConsumer) Close() error {
	close(c.done)
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
