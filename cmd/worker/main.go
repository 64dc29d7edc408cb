// cmd/worker/main.go consumes dispatch jobs from RabbitMQ. Run it when the
// API server uses DISPATCH_QUEUE=amqp.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/app"
	"github.com/unclebandit/newsletter-backend/internal/config"
	"github.com/unclebandit/newsletter-backend/internal/db"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mailer"
	"github.com/unclebandit/newsletter-backend/internal/queue"
	"github.com/unclebandit/newsletter-backend/internal/reporting"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log.Named("worker")); err != nil {
		log.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter, err := app.Reporter(cfg, log)
	if err != nil {
		return fmt.Errorf("sentry: %w", err)
	}
	defer reporting.Flush()

	conn, err := db.Open(ctx, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer conn.Close()

	transport, err := mailer.New(ctx, cfg.Mail, log.Named("mailer"))
	if err != nil {
		return err
	}

	locker, closeLocker, err := app.OpenLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	q, err := queue.NewAMQPQueue(cfg.Dispatch.AMQPURL, log)
	if err != nil {
		return err
	}
	defer q.Close()
	q.Bind(queue.DispatchTopic, cfg.Dispatch.QueueName)

	dispatcher := app.NewDispatcher(cfg, conn, transport, locker, reporter, log)
	if err := queue.StartDispatchSubscriber(ctx, q, dispatcher, log); err != nil {
		return err
	}

	log.Info("worker running, waiting for messages", zap.String("queue", cfg.Dispatch.QueueName))
	<-ctx.Done()
	log.Info("shutting down")

	// The cancelled run marks its newsletter failed; wait for that before the
	// deferred closes take the database and channel away.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Drain(drainCtx); err != nil {
		log.Warn("dispatch run still in flight at exit", zap.Error(err))
	}
	return nil
}
