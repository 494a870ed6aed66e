// Package stream serves reply processing as Server-Sent Events.
package stream

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/handler/session"
	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
	supportService "github.com/zhouzirui/support-desk/backend/internal/service/support"
	"github.com/zhouzirui/support-desk/backend/pkg/utils"
)

// Replier processes one customer message.
type Replier interface {
	Reply(ctx context.Context, sessionID, message string, observer pipeline.Observer) (*supportService.ReplyResult, error)
}

// Handler streams pipeline progress for a single message.
type Handler struct {
	svc    Replier
	logger zerolog.Logger
}

// New creates a stream handler.
func New(svc Replier, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts GET /stream/{sessionID}?message=.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

// StreamResponse is the payload of the terminal event.
type StreamResponse struct {
	SessionID    string   `json:"session_id"`
	Escalated    bool     `json:"escalated"`
	FinalMessage *string  `json:"final_message"`
	Category     string   `json:"category,omitempty"`
	Actions      []string `json:"actions_taken,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// handleStream emits "start", one "stage" event per pipeline event and then
// exactly one of "reply" or "error".
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	message := strings.TrimSpace(r.URL.Query().Get("message"))
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	utils.SendSSEEvent(w, flusher, "start", map[string]string{"session_id": sessionID})

	observer := pipeline.ObserverFunc(func(e pipeline.Event) {
		utils.SendSSEEvent(w, flusher, "stage", e)
	})

	res, err := h.svc.Reply(r.Context(), sessionID, message, observer)
	if err != nil {
		status, text := session.StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("session_id", sessionID).Msg("stream reply failed")
		}
		utils.SendSSEEvent(w, flusher, "error", StreamResponse{SessionID: sessionID, Error: text})
		return
	}

	if res == nil {
		utils.SendSSEEvent(w, flusher, "reply", StreamResponse{SessionID: sessionID, Escalated: true})
		return
	}
	final := res.FinalMessage
	utils.SendSSEEvent(w, flusher, "reply", StreamResponse{
		SessionID:    sessionID,
		Escalated:    res.Escalated,
		FinalMessage: &final,
		Category:     string(res.Category),
		Actions:      res.Actions,
	})
}
