// Package rabbitmq reads queue depth and consumer count over AMQP with a passive
// queue declare, for brokers whose management plugin is not reachable.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// maxRetries bounds connection attempts per Inspect call
const maxRetries = 3

type queueInspector struct {
	url         string
	queue       string
	dialTimeout time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// NewQueueInspector returns a QueueInspector; the connection is opened on first use
// and reopened whenever the broker drops it.
func NewQueueInspector(cfg *config.Broker, dialTimeout time.Duration, log *zap.Logger) port.QueueInspector {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &queueInspector{
		url:         cfg.AMQPURL,
		queue:       cfg.Queue,
		dialTimeout: dialTimeout,
		log:         log,
	}
}

func (q *queueInspector) connection(ctx context.Context) (*amqp.Connection, error) {
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn, nil
	}

	var err error
	for i := 1; i <= maxRetries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.DialConfig(q.url, amqp.Config{
			Dial:      amqp.DefaultDial(q.dialTimeout),
			Heartbeat: 10 * time.Second,
		})
		if err == nil {
			q.conn = conn
			return conn, nil
		}

		q.log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i*200) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (q *queueInspector) Inspect(ctx context.Context) (domain.QueueSnapshot, error) {
	snap := domain.QueueSnapshot{Queue: q.queue}

	q.mu.Lock()
	defer q.mu.Unlock()

	fail := func(err error) (domain.QueueSnapshot, error) {
		err = fmt.Errorf("%w: %v", domain.ErrExternalServiceUnavailable, err)
		snap.Err = err
		return snap, err
	}

	conn, err := q.connection(ctx)
	if err != nil {
		return fail(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fail(err)
	}
	defer ch.Close()

	// passive: fails with 404 instead of creating the queue
	info, err := ch.QueueDeclarePassive(
		q.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fail(fmt.Errorf("inspect queue %s: %w", q.queue, err))
	}

	messages, consumers := info.Messages, info.Consumers
	snap.Messages = &messages
	snap.Consumers = &consumers
	return snap, nil
}

// Close closes the broker connection if one is open
func (q *queueInspector) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
