package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/kisan-chat/backend/internal/config"
	"github.com/zhouzirui/kisan-chat/backend/pkg/utils"
)

// Pinger 用于探测外部依赖（如 Redis）是否可用
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler 健康检查处理器
type Handler struct {
	backendConfigured func() bool
	provider          string
	store             Pinger
	now               func() time.Time
}

// New 创建健康检查处理器，store 可以为 nil
func New(backendConfigured func() bool, provider string, store Pinger) *Handler {
	return &Handler{
		backendConfigured: backendConfigured,
		provider:          provider,
		store:             store,
		now:               time.Now,
	}
}

// RegisterRoutes 注册健康检查路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

// handleHealth 返回服务状态与生成式后端配置情况
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	configured := h.backendConfigured != nil && h.backendConfigured()
	body := map[string]any{
		"status":            "healthy",
		"backendConfigured": configured,
		"provider":          h.provider,
		"geminiConfigured":  configured && h.provider == config.ProviderGemini,
		"timestamp":         h.now().UTC().Format(time.RFC3339Nano),
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			utils.RespondJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["store"] = "ok"
	}

	utils.RespondJSON(w, http.StatusOK, body)
}
