package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPQueue publishes JSON payloads to durable RabbitMQ queues named after
// the topic. Handlers receive the raw message body.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger

	mu        sync.Mutex
	declared  map[string]bool
	names     map[string]string
	consumers []string
	draining  bool
	inflight  sync.WaitGroup
}

func NewAMQPQueue(url string, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPQueue{conn: conn, ch: ch, log: log, declared: map[string]bool{}, names: map[string]string{}}, nil
}

// Bind routes topic to a differently named queue.
func (q *AMQPQueue) Bind(topic, queueName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names[topic] = queueName
}

func (q *AMQPQueue) queueName(topic string) string {
	if name, ok := q.names[topic]; ok && name != "" {
		return name
	}
	return topic
}

func (q *AMQPQueue) declare(topic string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	name := q.queueName(topic)
	if q.declared[name] {
		return name, nil
	}
	_, err := q.ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return name, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	name, err := q.declare(topic)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish("", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Subscribe consumes one message at a time with manual acks. A handler error
// nacks the message without requeue.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	name, err := q.declare(topic)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if err := q.ch.Qos(1, 0, false); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	tag := name + "-" + uuid.NewString()
	msgs, err := q.ch.Consume(
		name,
		tag,
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err == nil {
		q.consumers = append(q.consumers, tag)
	}
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go q.consume(topic, msgs, handler)
	return nil
}

// consume runs handler for each delivery. Deliveries that arrive once Drain
// has started go back to the broker untouched.
func (q *AMQPQueue) consume(topic string, msgs <-chan amqp.Delivery, handler func(payload any) error) {
	for d := range msgs {
		q.mu.Lock()
		if q.draining {
			q.mu.Unlock()
			_ = d.Nack(false, true)
			continue
		}
		q.inflight.Add(1)
		q.mu.Unlock()

		if err := handler(d.Body); err != nil {
			q.log.Error("job failed", zap.String("topic", topic), zap.Error(err))
			_ = d.Nack(false, false)
		} else {
			_ = d.Ack(false)
		}
		q.inflight.Done()
	}
	q.log.Info("consumer stopped", zap.String("topic", topic))
}

// Drain stops every consumer and waits for running handlers or until ctx is
// done. Call it before Close.
func (q *AMQPQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.draining = true
	tags := q.consumers
	q.consumers = nil
	q.mu.Unlock()

	if q.ch != nil {
		for _, tag := range tags {
			if err := q.ch.Cancel(tag, false); err != nil {
				q.log.Warn("failed to cancel consumer", zap.String("consumer", tag), zap.Error(err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
