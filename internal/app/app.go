// Package app assembles the pieces shared by the API server and the worker.
package app

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/config"
	"github.com/unclebandit/newsletter-backend/internal/lock"
	"github.com/unclebandit/newsletter-backend/internal/mailer"
	"github.com/unclebandit/newsletter-backend/internal/reporting"
	"github.com/unclebandit/newsletter-backend/internal/repository"
	"github.com/unclebandit/newsletter-backend/internal/service"
)

// OpenLocker connects to Redis when REDIS_URL is set. Without it the locker
// is nil and dispatch runs unguarded. close is always safe to call.
func OpenLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		log.Info("REDIS_URL not set, dispatch runs without a lock")
		return nil, func() {}, nil
	}
	l, client, err := lock.NewRedisLockerFromURL(ctx, cfg.Redis.URL, cfg.Dispatch.LockTTL)
	if err != nil {
		return nil, func() {}, err
	}
	log.Info("redis locker ready", zap.Duration("ttl", cfg.Dispatch.LockTTL))
	return l, func() {
		if err := client.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}, nil
}

// Reporter initialises Sentry and returns the failure hook for the
// dispatcher, or nil when no DSN is configured.
func Reporter(cfg *config.Config, log *zap.Logger) (func(uuid.UUID, error), error) {
	enabled, err := reporting.Init(cfg.Sentry.DSN, cfg.Sentry.Environment)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}
	log.Info("sentry reporting enabled", zap.String("environment", cfg.Sentry.Environment))
	return reporting.CaptureRunFailure, nil
}

// NewDispatcher builds the dispatch engine over conn.
func NewDispatcher(cfg *config.Config, conn *sql.DB, transport mailer.Transport, locker lock.Locker, reporter func(uuid.UUID, error), log *zap.Logger) *service.Dispatcher {
	return &service.Dispatcher{
		Newsletters: &repository.NewsletterRepository{DB: conn},
		Subscribers: &repository.SubscriberRepository{DB: conn},
		Transport:   transport,
		Locker:      locker,
		FromEmail:   cfg.Mail.From,
		FromName:    cfg.Mail.FromName,
		APIURL:      cfg.Server.APIURL,
		SendDelay:   cfg.Dispatch.SendDelay,
		BatchDelay:  cfg.Dispatch.BatchDelay,
		Logger:      log.Named("dispatcher"),
		Reporter:    reporter,
	}
}
