// internal/handler/tracking_handler.go
package handler

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/logger"
)

var transparentGIF, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

// OpenTracker records email opens.
type OpenTracker interface {
	TrackOpen(ctx context.Context, newsletterID, subscriberID string) (bool, error)
}

// TrackingHandler serves the open-tracking pixel. Mail clients get the image
// whatever happens to the bookkeeping.
type TrackingHandler struct {
	Tracker OpenTracker
	Logger  *zap.Logger
}

// TrackOpen handles GET /newsletter/track/{newsletterId} and
// /newsletter/track/{newsletterId}/{subscriberId}.
func (h *TrackingHandler) TrackOpen(w http.ResponseWriter, r *http.Request) {
	newsletterID := chi.URLParam(r, "newsletterId")
	subscriberID := chi.URLParam(r, "subscriberId")

	log := zap.NewNop()
	if h.Logger != nil {
		log = logger.WithRequestID(r.Context(), h.Logger)
	}

	if subscriberID != "" {
		opened, err := h.Tracker.TrackOpen(r.Context(), newsletterID, subscriberID)
		if err != nil {
			log.Warn("failed to record open",
				zap.String("newsletter_id", newsletterID),
				zap.String("subscriber_id", subscriberID),
				zap.Error(err),
			)
		} else if opened {
			log.Info("email opened",
				zap.String("newsletter_id", newsletterID),
				zap.String("subscriber_id", subscriberID),
			)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}
