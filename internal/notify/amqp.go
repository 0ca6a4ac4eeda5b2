package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"queryinsight/internal/db"
)

// publisher is the part of *amqp.Channel the dispatcher needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type dialFunc func(url, queue string) (publisher, func() error, error)

// AMQPDispatcher publishes each alert batch as one persistent JSON message
// to a durable queue. The broker connection is opened on first use and
// reopened after a failed publish.
type AMQPDispatcher struct {
	url   string
	queue string
	log   *zap.Logger
	dial  dialFunc

	mu    sync.Mutex
	pub   publisher
	close func() error
}

func NewAMQPDispatcher(url, queue string, log *zap.Logger) *AMQPDispatcher {
	return &AMQPDispatcher{url: url, queue: queue, log: log.Named("notify"), dial: dialAMQP}
}

func dialAMQP(url, queue string) (publisher, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return ch, conn.Close, nil
}

func (d *AMQPDispatcher) Send(ctx context.Context, events []db.CriticalQueryEvent, target TargetInfo) error {
	if len(events) == 0 {
		return nil
	}
	body, err := encode(events, target)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pub == nil {
		pub, closeFn, err := d.dial(d.url, d.queue)
		if err != nil {
			return err
		}
		d.pub, d.close = pub, closeFn
	}

	err = d.pub.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         "critical_queries",
		Body:         body,
	})
	if err != nil {
		d.resetLocked()
		return fmt.Errorf("publish alert: %w", err)
	}
	d.log.Debug("alert published", zap.Uint("target_id", target.TargetID), zap.Int("events", len(events)))
	return nil
}

func (d *AMQPDispatcher) resetLocked() {
	if d.close != nil {
		_ = d.close()
	}
	d.pub, d.close = nil, nil
}

// Close releases the broker connection.
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	return nil
}
