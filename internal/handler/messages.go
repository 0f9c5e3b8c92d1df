package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/middleware"
	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/internal/service"
	"github.com/psam21/ncoin-messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messenger *service.Messenger
	logger    *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(messenger *service.Messenger, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messenger: messenger,
		logger:    log,
	}
}

// List handles GET /api/v1/conversations/:pubkey/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentity(ctx)
	peer := chi.URLParam(r, "pubkey")

	if err := middleware.ValidatePubkey(peer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	messages, err := h.messenger.Messages(ctx, identity, peer, limit)
	if err != nil {
		h.logger.Error("failed to get messages", zap.Error(err), zap.String("peer", peer))
		writeError(w, statusForError(err), "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		Messages: messages,
		Total:    len(messages),
	})
}

// Send handles POST /api/v1/conversations/:pubkey/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentity(ctx)
	peer := chi.URLParam(r, "pubkey")

	if err := middleware.ValidatePubkey(peer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateAttachments(req.Attachments); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messenger.Send(ctx, identity, peer, &req)
	if err != nil {
		h.logger.Error("failed to send message", zap.Error(err), zap.String("peer", peer))
		writeError(w, statusForError(err), "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{
		Message: msg,
	})
}

// Remove handles DELETE /api/v1/conversations/:pubkey/messages/:ref
func (h *MessageHandler) Remove(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	peer := chi.URLParam(r, "pubkey")
	ref := chi.URLParam(r, "ref")

	if err := middleware.ValidatePubkey(peer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageRef(ref); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	removed, err := h.messenger.RemoveMessage(identity, peer, ref)
	if err != nil {
		h.logger.Error("failed to remove message", zap.Error(err), zap.String("peer", peer))
		writeError(w, statusForError(err), "failed to remove message")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
