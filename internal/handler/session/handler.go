// Package session exposes the inbound session operations over HTTP and a
// websocket channel.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
	supportService "github.com/zhouzirui/support-desk/backend/internal/service/support"
	"github.com/zhouzirui/support-desk/backend/internal/store"
	"github.com/zhouzirui/support-desk/backend/pkg/utils"
)

// Service 传输层看到的会话状态机。
type Service interface {
	StartSession(ctx context.Context, customer support.Customer) (support.Session, error)
	Session(ctx context.Context, sessionID string) (support.Session, error)
	Reply(ctx context.Context, sessionID, message string, observer pipeline.Observer) (*supportService.ReplyResult, error)
	Trace(ctx context.Context, sessionID string) (support.Trace, error)
}

// Handler 会话服务的HTTP处理器
type Handler struct {
	svc      Service
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	pongWait time.Duration
}

// New 创建会话处理器
func New(svc Service, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pongWait: pongWait,
	}
}

// RegisterRoutes 注册会话相关的 REST 与 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleStartSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Post("/sessions/{sessionID}/reply", h.handleReply)
	r.Get("/sessions/{sessionID}/trace", h.handleTrace)
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type sessionResponse struct {
	SessionID         string     `json:"session_id"`
	CustomerEmail     string     `json:"customer_email"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	ShopifyCustomerID string     `json:"shopify_customer_id"`
	Escalated         bool       `json:"escalated"`
	EscalatedAt       *time.Time `json:"escalated_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func newSessionResponse(s support.Session) sessionResponse {
	return sessionResponse{
		SessionID:         s.ID,
		CustomerEmail:     s.Customer.Email,
		FirstName:         s.Customer.FirstName,
		LastName:          s.Customer.LastName,
		ShopifyCustomerID: s.Customer.ExternalID,
		Escalated:         s.Escalated,
		EscalatedAt:       s.EscalatedAt,
		CreatedAt:         s.CreatedAt,
	}
}

// replyResponse 会话已升级且没有自动回复时 final_message 为 null。
type replyResponse struct {
	SessionID    string             `json:"session_id"`
	Escalated    bool               `json:"escalated"`
	FinalMessage *string            `json:"final_message"`
	Category     pipeline.Category  `json:"category,omitempty"`
	ToolCalls    []support.ToolCall `json:"tool_calls"`
	Actions      []string           `json:"actions_taken"`
}

func newReplyResponse(sessionID string, res *supportService.ReplyResult) replyResponse {
	if res == nil {
		return replyResponse{
			SessionID: sessionID,
			Escalated: true,
			ToolCalls: []support.ToolCall{},
			Actions:   []string{},
		}
	}
	final := res.FinalMessage
	return replyResponse{
		SessionID:    res.SessionID,
		Escalated:    res.Escalated,
		FinalMessage: &final,
		Category:     res.Category,
		ToolCalls:    res.ToolCalls,
		Actions:      res.Actions,
	}
}

type traceResponse struct {
	SessionID     string              `json:"session_id"`
	CustomerEmail string              `json:"customer_email"`
	Escalated     bool                `json:"escalated"`
	Messages      []support.Message   `json:"messages"`
	ToolCalls     []support.ToolCall  `json:"tool_calls"`
	Escalation    *support.Escalation `json:"escalation,omitempty"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var customer support.Customer
	if err := utils.DecodeJSON(w, r, &customer); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.svc.StartSession(r.Context(), customer)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, newSessionResponse(session))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newSessionResponse(session))
}

func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		Message string `json:"message"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.Reply(r.Context(), sessionID, payload.Message, nil)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, newReplyResponse(sessionID, res))
}

func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := h.svc.Trace(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, traceResponse{
		SessionID:     trace.Session.ID,
		CustomerEmail: trace.Session.Customer.Email,
		Escalated:     trace.Escalated,
		Messages:      trace.Messages,
		ToolCalls:     trace.ToolCalls,
		Escalation:    trace.Escalation,
	})
}

// StatusFor 将服务错误映射为 HTTP 状态码和可以返回给调用方的消息。
func StatusFor(err error) (int, string) {
	var perr *supportService.ProcessingError
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, supportService.ErrInvalidCustomer):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, supportService.ErrEmptyMessage):
		return http.StatusBadRequest, supportService.ErrEmptyMessage.Error()
	case errors.As(err, &perr):
		if perr.Kind == supportService.FailureTimeout {
			return http.StatusGatewayTimeout, supportService.FailureMessage
		}
		return http.StatusServiceUnavailable, supportService.FailureMessage
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	utils.RespondError(w, status, message)
}
