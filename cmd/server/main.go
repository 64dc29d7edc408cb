// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/app"
	"github.com/unclebandit/newsletter-backend/internal/config"
	"github.com/unclebandit/newsletter-backend/internal/controller"
	"github.com/unclebandit/newsletter-backend/internal/db"
	"github.com/unclebandit/newsletter-backend/internal/handler"
	"github.com/unclebandit/newsletter-backend/internal/logger"
	"github.com/unclebandit/newsletter-backend/internal/mailer"
	"github.com/unclebandit/newsletter-backend/internal/queue"
	"github.com/unclebandit/newsletter-backend/internal/reporting"
	"github.com/unclebandit/newsletter-backend/internal/repository"
	"github.com/unclebandit/newsletter-backend/internal/service"
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

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
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
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	log.Info("database ready")

	transport, err := mailer.New(ctx, cfg.Mail, log.Named("mailer"))
	if err != nil {
		return err
	}

	newsletterRepo := &repository.NewsletterRepository{DB: conn}
	subscriberRepo := &repository.SubscriberRepository{DB: conn}

	var (
		q     queue.Queue
		drain func(context.Context) error
	)
	switch cfg.Dispatch.Queue {
	case "amqp":
		aq, err := queue.NewAMQPQueue(cfg.Dispatch.AMQPURL, log.Named("queue"))
		if err != nil {
			return err
		}
		defer aq.Close()
		aq.Bind(queue.DispatchTopic, cfg.Dispatch.QueueName)
		q = aq
		log.Info("dispatch jobs go to RabbitMQ", zap.String("queue", cfg.Dispatch.QueueName))
	default:
		locker, closeLocker, err := app.OpenLocker(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer closeLocker()

		mq := queue.NewInMemoryQueue(log.Named("queue"), 0)
		dispatcher := app.NewDispatcher(cfg, conn, transport, locker, reporter, log)
		if err := queue.StartDispatchSubscriber(ctx, mq, dispatcher, log.Named("queue")); err != nil {
			return err
		}
		q = mq
		drain = mq.Drain
		log.Info("dispatch jobs run in-process")
	}

	newsletterService := &service.NewsletterService{
		Newsletters:      newsletterRepo,
		Subscribers:      subscriberRepo,
		Queue:            q,
		Transport:        transport,
		FromEmail:        cfg.Mail.From,
		FromName:         cfg.Mail.FromName,
		APIURL:           cfg.Server.APIURL,
		DefaultBatchSize: cfg.Dispatch.BatchSize,
		Logger:           log.Named("newsletter"),
	}

	if cfg.Auth.Disabled {
		log.Warn("AUTH_DISABLED is set, admin routes are unauthenticated")
	}

	router := controller.NewRouter(controller.RouterConfig{
		Newsletters:    &controller.NewsletterController{Service: newsletterService, Logger: log},
		Tracking:       &handler.TrackingHandler{Tracker: newsletterService, Logger: log},
		Logger:         log,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
		AuthDisabled:   cfg.Auth.Disabled,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server running", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if drain != nil {
		if err := drain(shutdownCtx); err != nil {
			log.Warn("dispatch runs still in flight at exit", zap.Error(err))
		}
	}
	return nil
}
