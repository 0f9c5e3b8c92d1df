// Package handler provides HTTP handlers for the API.
package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/middleware"
	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/internal/reconcile"
	"github.com/psam21/ncoin-messaging/internal/service"
	"github.com/psam21/ncoin-messaging/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	messenger *service.Messenger
	logger    *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(messenger *service.Messenger, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		messenger: messenger,
		logger:    log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentity(ctx)

	conversations, err := h.messenger.Conversations(ctx, identity)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, statusForError(err), "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: conversations,
		Total:         len(conversations),
	})
}

// MarkRead handles POST /api/v1/conversations/:pubkey/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := middleware.GetIdentity(ctx)
	peer := chi.URLParam(r, "pubkey")

	if err := middleware.ValidatePubkey(peer); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, found, err := h.messenger.MarkRead(identity, peer)
	if err != nil {
		h.logger.Error("failed to mark conversation read", zap.Error(err))
		writeError(w, statusForError(err), "failed to mark conversation read")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// statusForError maps engine errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
