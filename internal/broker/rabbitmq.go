// Package broker is the durable handoff between the scheduler and the
// workers: a RabbitMQ main queue, a TTL-based retry queue that dead-letters
// back into the main queue, and a terminal DLQ for exhausted messages.
package broker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tyrannozavr/steamwatch/internal/observability"
)

const (
	// QueueTasks is the main work queue.
	QueueTasks = "parsing_tasks"
	// queueRetry holds delayed messages; expiry routes them back to QueueTasks.
	queueRetry = "parsing_tasks.retry"
	// QueueDLQ is the terminal resting place after MaxRetries.
	QueueDLQ = "parsing_tasks.dlq"

	// MaxRetries bounds broker-driven redelivery attempts.
	MaxRetries = 5

	// prefetchCount bounds unacked messages per consumer.
	prefetchCount = 10

	// consumerTimeout re-delivers unacked messages of a crashed worker.
	consumerTimeout = 15 * time.Minute
)

// Broker wraps one AMQP connection and channel. Publishes and Close are
// serialized by mu, since AMQP channels are not safe for concurrent
// publishes; Consume does not take mu.
type Broker struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials RabbitMQ, retrying up to attempts times with a fixed delay so
// workers can outwait a broker restart, then declares the queue topology.
func Connect(ctx context.Context, url string, attempts int, delay time.Duration) (*Broker, error) {
	var conn *amqp.Connection
	var err error
	for i := 1; i <= attempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		if i == attempts {
			return nil, fmt.Errorf("rabbitmq dial after %d attempts: %w", attempts, err)
		}
		log.Printf("Broker: dial failed (attempt %d/%d): %v, retrying in %s", i, attempts, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	b := &Broker{conn: conn, ch: ch}
	if err := b.declareTopology(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) declareTopology() error {
	if _, err := b.ch.QueueDeclare(QueueTasks, true, false, false, false, amqp.Table{
		"x-consumer-timeout": consumerTimeout.Milliseconds(),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", QueueTasks, err)
	}
	// Retry queue: no consumers; expired messages dead-letter into the main
	// queue via the default exchange.
	if _, err := b.ch.QueueDeclare(queueRetry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": QueueTasks,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", queueRetry, err)
	}
	if _, err := b.ch.QueueDeclare(QueueDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", QueueDLQ, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Broker) publish(ctx context.Context, queue string, body []byte, headers amqp.Table, expiration string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
		Expiration:   expiration,
	})
	if err != nil {
		return err
	}
	observability.QueuePublishes.WithLabelValues(queue).Inc()
	return nil
}

func taskHeaders(t *ParsingTask, retryCount int) amqp.Table {
	return amqp.Table{
		HeaderRetryCount:  int32(retryCount),
		HeaderTaskID:      t.TaskID,
		HeaderPublishedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// PublishTask enqueues a job for immediate delivery.
func (b *Broker) PublishTask(ctx context.Context, t *ParsingTask) error {
	body, err := t.Encode()
	if err != nil {
		return err
	}
	return b.publish(ctx, QueueTasks, body, taskHeaders(t, 0), "")
}

// PublishTaskDelayed enqueues a job that becomes deliverable after delay,
// using the retry queue's dead-letter path.
func (b *Broker) PublishTaskDelayed(ctx context.Context, t *ParsingTask, delay time.Duration) error {
	if delay <= 0 {
		return b.PublishTask(ctx, t)
	}
	body, err := t.Encode()
	if err != nil {
		return err
	}
	return b.publish(ctx, queueRetry, body, taskHeaders(t, 0), strconv.FormatInt(delay.Milliseconds(), 10))
}

// DeliveryRetryCount reads x-retry-count from a delivery, defaulting to 0.
func DeliveryRetryCount(d *amqp.Delivery) int {
	v, ok := d.Headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// RetryOrDead republishes a failed delivery with backoff, or diverts it to
// the DLQ once retries are exhausted. The caller still acks the original.
func (b *Broker) RetryOrDead(ctx context.Context, d *amqp.Delivery) error {
	retry := DeliveryRetryCount(d) + 1
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(retry)

	if retry > MaxRetries {
		log.Printf("Broker: message for task %v exhausted %d retries, dead-lettering", d.Headers[HeaderTaskID], MaxRetries)
		return b.publish(ctx, QueueDLQ, d.Body, headers, "")
	}
	delay := RetryDelay(retry)
	return b.publish(ctx, queueRetry, d.Body, headers, strconv.FormatInt(delay.Milliseconds(), 10))
}

// Consume opens a QoS-bounded consumer on the main queue.
func (b *Broker) Consume(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	if err := b.ch.Qos(prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := b.ch.ConsumeWithContext(ctx, QueueTasks, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", QueueTasks, err)
	}
	return deliveries, nil
}
