package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/model"
)

// DispatchTopic carries model.DispatchJob payloads.
const DispatchTopic = "newsletter_dispatch"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// InMemoryQueue runs every published job on its own goroutine and keeps
// track of them so shutdown can wait.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	wg         sync.WaitGroup
	log        *zap.Logger
	maxRetries int
	backoff    time.Duration
}

// NewInMemoryQueue creates a queue. maxRetries is how many extra attempts a
// failing handler gets.
func NewInMemoryQueue(log *zap.Logger, maxRetries int) *InMemoryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		log:        log,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish hands the payload to every subscriber of topic.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{Payload: payload, MaxRetries: q.maxRetries}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.processJob(topic, handler, job)
		}()
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, job JobPayload) {
	for {
		err := handler(job.Payload)
		if err == nil {
			q.log.Debug("job processed", zap.String("topic", topic))
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			q.log.Error("job permanently failed",
				zap.String("topic", topic),
				zap.Int("attempts", job.RetryCount),
				zap.Error(err),
			)
			return
		}

		q.log.Warn("job failed, retrying",
			zap.String("topic", topic),
			zap.Int("attempt", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(err),
		)
		time.Sleep(time.Duration(job.RetryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Drain waits for in-flight jobs or until ctx is done.
func (q *InMemoryQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JobRunner executes one dispatch job to completion.
type JobRunner interface {
	Run(ctx context.Context, job model.DispatchJob) error
}

// StartDispatchSubscriber wires the dispatch topic to runner. Payloads arrive
// as model.DispatchJob from the in-memory queue and as JSON from AMQP.
func StartDispatchSubscriber(ctx context.Context, q Queue, runner JobRunner, log *zap.Logger) error {
	return q.Subscribe(DispatchTopic, func(payload any) error {
		job, err := decodeDispatchJob(payload)
		if err != nil {
			log.Error("invalid dispatch payload", zap.Error(err))
			return nil
		}

		log.Info("dispatch job received",
			zap.String("newsletter_id", job.NewsletterID.String()),
			zap.Int("batch_size", job.BatchSize),
		)
		return runner.Run(ctx, job)
	})
}

func decodeDispatchJob(payload any) (model.DispatchJob, error) {
	switch p := payload.(type) {
	case model.DispatchJob:
		return p, nil
	case *model.DispatchJob:
		if p == nil {
			return model.DispatchJob{}, fmt.Errorf("nil dispatch job")
		}
		return *p, nil
	case []byte:
		var job model.DispatchJob
		if err := json.Unmarshal(p, &job); err != nil {
			return model.DispatchJob{}, fmt.Errorf("decode dispatch job: %w", err)
		}
		return job, nil
	default:
		return model.DispatchJob{}, fmt.Errorf("unexpected payload type %T", payload)
	}
}
