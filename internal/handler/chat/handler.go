package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/kisan-chat/backend/internal/service/attachment"
	chatService "github.com/zhouzirui/kisan-chat/backend/internal/service/chat"
	"github.com/zhouzirui/kisan-chat/backend/pkg/utils"
)

const (
	msgInvalidRequest     = "Message and sessionId are required"
	msgBackendUnavailable = "Gemini API key not configured. Please set GEMINI_API_KEY in your environment variables."
	msgChatFailed         = "Failed to process chat request. Please try again."

	multipartMemory = 32 << 20
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc       *chatService.Service
	maxUploadSize int64
}

// New 创建聊天处理器，maxUploadSize 为单个附件的字节上限
func New(chatSvc *chatService.Service, maxUploadSize int64) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = attachment.DefaultMaxSize
	}
	return &Handler{
		chatSvc:       chatSvc,
		maxUploadSize: maxUploadSize,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/new-chat", h.handleNewChat)
}

// handleChat 处理一轮对话，支持 multipart 表单与 JSON 两种请求体
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	// 整个请求体最多容纳 MaxFiles 个满额附件再加表单字段
	r.Body = http.MaxBytesReader(w, r.Body, int64(attachment.MaxFiles)*h.maxUploadSize+(1<<20))

	req, err := h.parseRequest(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondErrorDetails(w, http.StatusBadRequest, "Upload too large", err.Error())
			return
		}
		utils.RespondErrorDetails(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	reply, err := h.chatSvc.Send(r.Context(), req)
	if err != nil {
		h.respondSendError(w, req.SessionID, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, reply)
}

func (h *Handler) respondSendError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, chatService.ErrValidation):
		utils.RespondError(w, http.StatusBadRequest, msgInvalidRequest)
	case errors.Is(err, chatService.ErrAttachmentRejected):
		utils.RespondErrorDetails(w, http.StatusBadRequest, attachmentMessage(err), err.Error())
	case errors.Is(err, chatService.ErrBackendUnavailable):
		utils.RespondErrorDetails(w, http.StatusServiceUnavailable, msgBackendUnavailable, err.Error())
	default:
		log.Printf("[chat] session=%s request failed: %v", sessionID, err)
		utils.RespondErrorDetails(w, http.StatusInternalServerError, msgChatFailed, err.Error())
	}
}

func attachmentMessage(err error) string {
	switch {
	case errors.Is(err, attachment.ErrTooManyFiles):
		return "Too many files, at most 5 are allowed"
	case errors.Is(err, attachment.ErrTooLarge):
		return "File too large, the limit is 10MB per file"
	default:
		return "Only images, audio, and video files are allowed!"
	}
}

// parseRequest 从请求体中解析出一轮对话
func (h *Handler) parseRequest(r *http.Request) (chatService.Request, error) {
	req := chatService.Request{BaseURL: baseURL(r)}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var payload struct {
			Message   string `json:"message"`
			SessionID string `json:"sessionId"`
			Language  string `json:"language"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return req, err
		}
		req.Message, req.SessionID, req.Language = payload.Message, payload.SessionID, payload.Language
		return req, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return req, err
		}
	default:
		if err := r.ParseForm(); err != nil {
			return req, err
		}
	}

	req.Message = r.FormValue("message")
	req.SessionID = r.FormValue("sessionId")
	req.Language = r.FormValue("language")
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			req.Files = append(req.Files, uploadFromHeader(fh))
		}
	}
	return req, nil
}

func uploadFromHeader(fh *multipart.FileHeader) attachment.Upload {
	return attachment.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// baseURL 还原客户端看到的协议与主机，用于拼接附件地址
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return scheme + "://" + r.Host
}

// handleNewChat 丢弃会话记录，无论会话是否存在都返回成功
func (h *Handler) handleNewChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			log.Printf("[chat] new-chat body ignored: %v", err)
		}
	}

	if err := h.chatSvc.Reset(r.Context(), payload.SessionID); err != nil {
		log.Printf("[chat] failed to reset session=%s: %v", payload.SessionID, err)
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "New chat started",
	})
}
