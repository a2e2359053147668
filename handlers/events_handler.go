package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/upb/upgrade-pipeline/middleware"
	"github.com/upb/upgrade-pipeline/utils"
	"go.uber.org/zap"
)

// DefaultHeartbeat is how often an idle event stream sends a comment line
const DefaultHeartbeat = 30 * time.Second

// EventsHandler streams pipeline events as server-sent events
type EventsHandler struct {
	service   PipelineService
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewEventsHandler creates a new EventsHandler. A zero heartbeat uses DefaultHeartbeat.
func NewEventsHandler(service PipelineService, heartbeat time.Duration, logger *zap.Logger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &EventsHandler{
		service:   service,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// HandleStream handles GET /api/v1/events
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalServerError(w, "streaming not supported")
		return
	}

	requestID := middleware.GetRequestIDFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream, unsubscribe := h.service.Subscribe()
	defer unsubscribe()

	// Tell the client the stream is live before the first event
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	h.logger.Debug("event stream opened", zap.String("request_id", requestID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-stream:
			if !open {
				h.logger.Debug("event bus closed stream", zap.String("request_id", requestID))
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.String("type", string(event.Type)), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.Debug("event stream closed by client", zap.String("request_id", requestID))
			return
		}
	}
}
