package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接。每条 message 帧按回复请求处理，
// 流水线进度以 event 帧推送，最后发送 reply 帧。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.svc.Session(r.Context(), sessionID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.logger.With().Str("session_id", sessionID).Logger()
	logger.Debug().Msg("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	go pingLoop(ctx, conn)

	h.send(conn, logger, outgoingMessage{Type: "result", SessionID: sessionID, Data: map[string]any{
		"type":      "connected",
		"escalated": session.Escalated,
	}})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))

		if msg.SessionID != "" && msg.SessionID != sessionID {
			h.sendError(conn, logger, "session mismatch")
			continue
		}

		switch msg.Type {
		case "message":
			h.handleTextMessage(ctx, conn, logger, sessionID, msg.Data)
			// 处理回复期间没有读取 pong，需要重置读超时
			_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		default:
			h.sendError(conn, logger, "unsupported message type: "+msg.Type)
		}
	}
}

func (h *Handler) handleTextMessage(ctx context.Context, conn *websocket.Conn, logger zerolog.Logger, sessionID string, raw json.RawMessage) {
	var text TextMessage
	if err := json.Unmarshal(raw, &text); err != nil {
		h.sendError(conn, logger, "invalid message payload")
		return
	}

	observer := pipeline.ObserverFunc(func(e pipeline.Event) {
		h.send(conn, logger, outgoingMessage{Type: "event", SessionID: sessionID, Data: e})
	})
	res, err := h.svc.Reply(ctx, sessionID, text.Text, observer)
	if err != nil {
		_, message := StatusFor(err)
		logger.Warn().Err(err).Msg("websocket reply failed")
		h.sendError(conn, logger, message)
		return
	}

	h.send(conn, logger, outgoingMessage{Type: "reply", SessionID: sessionID, Data: newReplyResponse(sessionID, res)})
}

func (h *Handler) send(conn *websocket.Conn, logger zerolog.Logger, msg outgoingMessage) {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		logger.Debug().Err(err).Str("type", msg.Type).Msg("websocket write failed")
	}
}

func (h *Handler) sendError(conn *websocket.Conn, logger zerolog.Logger, message string) {
	h.send(conn, logger, outgoingMessage{Type: "error", Data: map[string]string{"message": message}})
}

// pingLoop 定期发送ping消息。WriteControl 可与 WriteJSON 并发调用。
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
