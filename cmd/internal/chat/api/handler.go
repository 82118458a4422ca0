// Package chatapi exposes the HTTP surface of the synchronization core:
// provider webhook ingress, the local send endpoint, and the conversation
// read API.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chatsync/cmd/internal/chat"
)

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// Handler wires HTTP endpoints to the engine and query service.
type Handler struct {
	log     *slog.Logger
	engine  *chat.Engine
	queries *chat.QueryService

	// localPartyID scopes conversation keys for local sends.
	localPartyID string
	maxBodyBytes int64
}

// NewHandler constructs the chat HTTP handler.
func NewHandler(log *slog.Logger, engine *chat.Engine, queries *chat.QueryService, localPartyID string, maxBodyBytes int64) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		log:          log,
		engine:       engine,
		queries:      queries,
		localPartyID: localPartyID,
		maxBodyBytes: maxBodyBytes,
	}
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/webhook/message", h.handleWebhookMessage)
	mux.HandleFunc("POST /api/webhook/status", h.handleWebhookStatus)
	mux.HandleFunc("POST /api/messages/send", h.handleSend)
	mux.HandleFunc("GET /api/conversations", h.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{key}", h.handleGetConversation)
	mux.HandleFunc("PUT /api/conversations/{key}/read", h.handleMarkRead)
	mux.HandleFunc("GET /api/conversations/{key}/messages", h.handleGetMessages)
}

// ---- webhook ingress ----

func (h *Handler) handleWebhookMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBodyBytes)
	if err != nil {
		webhookEvents.WithLabelValues("message", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ev, err := chat.NormalizeProviderMessage(body)
	if err != nil {
		webhookEvents.WithLabelValues("message", "rejected").Inc()
		h.writeErr(w, r, err)
		return
	}

	res, err := h.engine.ApplyMessage(r.Context(), ev)
	if err != nil {
		webhookEvents.WithLabelValues("message", "failed").Inc()
		h.writeErr(w, r, err)
		return
	}

	webhookEvents.WithLabelValues("message", "applied").Inc()
	messagesApplied.WithLabelValues(string(res.Message.Direction), strconv.FormatBool(res.Duplicate)).Inc()

	// Duplicate delivery is a success: the provider must not retry.
	writeMessage(w, http.StatusOK, "message processed")
}

func (h *Handler) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxBodyBytes)
	if err != nil {
		webhookEvents.WithLabelValues("status", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ev, err := chat.NormalizeProviderStatus(body)
	if err != nil {
		webhookEvents.WithLabelValues("status", "rejected").Inc()
		h.writeErr(w, r, err)
		return
	}

	if _, err := h.engine.ApplyStatus(r.Context(), ev); err != nil {
		webhookEvents.WithLabelValues("status", "failed").Inc()
		h.writeErr(w, r, err)
		return
	}

	webhookEvents.WithLabelValues("status", "applied").Inc()
	writeMessage(w, http.StatusOK, "status updated")
}

// ---- local send ----

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req chat.LocalSendRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := chat.NormalizeLocalSend(req, h.localPartyID, time.Now().UTC())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	res, err := h.engine.ApplyMessage(r.Context(), ev)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	messagesApplied.WithLabelValues(string(res.Message.Direction), strconv.FormatBool(res.Duplicate)).Inc()
	writeData(w, http.StatusCreated, res.Message)
}

// ---- read API ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	out, err := h.queries.ListConversations(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	out, err := h.queries.GetConversation(r.Context(), r.PathValue("key"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.MarkConversationRead(r.Context(), r.PathValue("key")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "conversation marked as read")
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intQuery(q.Get("page"), 1)
	limit := intQuery(q.Get("limit"), chat.DefaultPageSize)

	res, err := h.queries.GetMessages(r.Context(), r.PathValue("key"), page, limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	totalPages := int((res.Total + int64(res.PageSize) - 1) / int64(res.PageSize))
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Data:    res.Messages,
		Pagination: &pagination{
			Current: res.Page,
			Total:   totalPages,
			HasMore: res.HasMore,
			Count:   res.Total,
		},
	})
}

// ---- error mapping ----

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrMalformedPayload), errors.Is(err, chat.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, chat.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	default:
		// Store failures are surfaced as-is to logs, never to clients. The
		// caller retries; nothing was partially committed.
		h.log.Error("api.request.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
