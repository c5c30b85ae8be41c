package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/channel-lifecycle/internal/service"
)

// BounceHandler receives delivery-failure reports from mail and SMS providers.
// It is mounted behind middleware.SharedSecret.
type BounceHandler struct {
	channels *service.ChannelService
	logger   *slog.Logger
}

func NewBounceHandler(channels *service.ChannelService, logger *slog.Logger) *BounceHandler {
	return &BounceHandler{channels: channels, logger: logger}
}

// HandleBounce records one bounce.
//
// HTTP: POST /api/bounces
// REQUEST BODY:
//
//	{"path": "ada@example.com", "pathType": "email", "timestamp": "2026-03-01T12:00:00Z",
//	 "permanent": true, "suppression": false, "details": {"smtp": "550 5.1.1"}}
func (h *BounceHandler) HandleBounce(w http.ResponseWriter, r *http.Request) {
	var report service.BounceReport
	if err := decodeJSON(w, r, &report); err != nil {
		writeError(w, err)
		return
	}

	summary, err := h.channels.RecordBounce(r.Context(), report)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("bounce received",
		slog.String("kind", summary.Kind),
		slog.Int("updated", summary.Updated),
	)
	writeJSON(w, http.StatusOK, summary)
}
