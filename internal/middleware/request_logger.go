package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/logger"
)

// RequestLogger logs one line per request and puts chi's request id into the
// context for logger.WithRequestID. Must run after chimw.RequestID.
func RequestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := chimw.GetReqID(r.Context())
			ctx := logger.ContextWithRequestID(r.Context(), reqID)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", reqID),
			}
			switch {
			case status >= 500:
				base.Error("request", fields...)
			case status >= 400:
				base.Warn("request", fields...)
			default:
				base.Info("request", fields...)
			}
		})
	}
}
