package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/middleware"
	"github.com/psam21/ncoin-messaging/internal/service"
	"github.com/psam21/ncoin-messaging/pkg/logger"
	"github.com/psam21/ncoin-messaging/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	messenger *service.Messenger
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(messenger *service.Messenger, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		messenger: messenger,
		logger:    log,
	}
}

// Stream handles GET /api/v1/stream
// Pushes reconciled engine events to the client. Supports ?peer=pubkey to
// narrow the feed to a single conversation.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentity(ctx)

	peer := r.URL.Query().Get("peer")
	if peer != "" {
		if err := middleware.ValidatePubkey(peer); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel, err := h.messenger.Watch(identity)
	if err != nil {
		h.logger.Error("failed to open event stream", zap.Error(err))
		writeError(w, statusForError(err), "failed to open event stream")
		return
	}
	defer cancel()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	// Track active connection
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	done := ctx.Done()

	// Send initial connection event
	sendSSEEvent(w, flusher, "connected", map[string]string{
		"pubkey": identity.Pubkey,
	})

	// Heartbeat keeps intermediaries from closing an idle stream
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("SSE client disconnected", zap.String("pubkey", identity.Pubkey))
			return

		case ev, ok := <-events:
			if !ok {
				// Engine rebound to another identity or shut down
				sendSSEEvent(w, flusher, "closed", map[string]string{
					"reason": "stream closed",
				})
				return
			}
			if peer != "" && ev.Peer != "" && ev.Peer != peer {
				continue
			}
			sendSSEEvent(w, flusher, string(ev.Type), ev)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]int64{
				"timestamp": time.Now().Unix(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
