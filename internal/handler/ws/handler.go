package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/kisan-chat/backend/internal/service/chat"
)

const (
	defaultReadTimeout = 60 * time.Second
	pingInterval       = 54 * time.Second
)

// Handler 通过 WebSocket 提供纯文本对话，与 /api/chat 共用同一处理流程
type Handler struct {
	chatSvc     *chatService.Service
	upgrader    websocket.Upgrader
	readTimeout time.Duration
}

// New 创建 WebSocket 处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc:     chatSvc,
		readTimeout: defaultReadTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundFrame struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
}

type outboundFrame struct {
	Type      string            `json:"type"`
	Response  string            `json:"response,omitempty"`
	Files     []chat.Attachment `json:"files,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   string            `json:"details,omitempty"`
}

// handleWebSocket 处理WebSocket连接，sessionId 可在查询参数或每帧中给出
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	defaultSession := r.URL.Query().Get("sessionId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		return nil
	})

	go pingLoop(ctx, conn)

	h.send(conn, outboundFrame{Type: "connected", SessionID: defaultSession})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		// 生成回复期间不读取，也就无法处理 pong，先取消读超时
		conn.SetReadDeadline(time.Time{})

		if strings.TrimSpace(frame.SessionID) == "" {
			frame.SessionID = defaultSession
		}
		h.send(conn, h.reply(ctx, frame))
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
}

func (h *Handler) reply(ctx context.Context, frame inboundFrame) outboundFrame {
	reply, err := h.chatSvc.Send(ctx, chatService.Request{
		SessionID: frame.SessionID,
		Message:   frame.Message,
		Language:  frame.Language,
	})
	if err != nil {
		out := outboundFrame{Type: "error", SessionID: frame.SessionID, Details: err.Error()}
		switch {
		case errors.Is(err, chatService.ErrValidation):
			out.Error = "Message and sessionId are required"
		case errors.Is(err, chatService.ErrBackendUnavailable):
			out.Error = "Generative backend not configured"
		default:
			out.Error = "Failed to process chat request. Please try again."
		}
		return out
	}

	return outboundFrame{
		Type:      "reply",
		Response:  reply.Response,
		Files:     reply.Files,
		SessionID: reply.SessionID,
	}
}

func (h *Handler) send(conn *websocket.Conn, frame outboundFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		log.Printf("[websocket] write %s failed: %v", frame.Type, err)
	}
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
