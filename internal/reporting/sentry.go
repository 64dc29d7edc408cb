package reporting

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// Init configures Sentry. An empty DSN leaves reporting disabled.
func Init(dsn, environment string) (bool, error) {
	if dsn == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// CaptureRunFailure reports a dispatch run that ended in the failed state.
func CaptureRunFailure(newsletterID uuid.UUID, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("newsletter_id", newsletterID.String())
		scope.SetTag("component", "dispatcher")
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events before the process exits.
func Flush() {
	sentry.Flush(2 * time.Second)
}
