package handler

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/kisan-chat/backend/internal/config"
	"github.com/zhouzirui/kisan-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/kisan-chat/backend/internal/handler/health"
	"github.com/zhouzirui/kisan-chat/backend/internal/handler/ws"
	"github.com/zhouzirui/kisan-chat/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/kisan-chat/backend/internal/middleware"
	chatService "github.com/zhouzirui/kisan-chat/backend/internal/service/chat"
)

// Deps collects what the router needs to serve requests.
type Deps struct {
	Server    config.ServerConfig
	Chat      *chatService.Service
	Provider  string
	Metrics   *metrics.Metrics
	StorePing health.Pinger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)
	r.Use(middlewarePkg.NoCache)
	r.Use(middlewarePkg.Metrics(deps.Metrics))

	limiter := middlewarePkg.NewRateLimiter(deps.Server.RateLimitRPS, deps.Server.RateLimitBurst)

	chatHandler := chat.New(deps.Chat, deps.Server.MaxUploadBytes)
	healthHandler := health.New(deps.Chat.BackendConfigured, deps.Provider, deps.StorePing)
	wsHandler := ws.New(deps.Chat)

	r.Route("/api", func(api chi.Router) {
		healthHandler.RegisterRoutes(api)

		api.Group(func(limited chi.Router) {
			limited.Use(limiter.Middleware)
			chatHandler.RegisterRoutes(limited)
			wsHandler.RegisterRoutes(limited)
		})
	})

	r.Handle("/metrics", deps.Metrics.Handler())

	if deps.Server.UploadDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(deps.Server.UploadDir))))
	}

	if dir := deps.Server.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(dir)))
		} else {
			log.Printf("[router] static directory %s not found, front-end not served", dir)
		}
	}

	return r
}
