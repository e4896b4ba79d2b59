package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/kisan-chat/backend/internal/config"
	"github.com/zhouzirui/kisan-chat/backend/internal/events"
	"github.com/zhouzirui/kisan-chat/backend/internal/handler"
	"github.com/zhouzirui/kisan-chat/backend/internal/handler/health"
	"github.com/zhouzirui/kisan-chat/backend/internal/metrics"
	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
	"github.com/zhouzirui/kisan-chat/backend/internal/service/ai"
	"github.com/zhouzirui/kisan-chat/backend/internal/service/attachment"
	chatService "github.com/zhouzirui/kisan-chat/backend/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		log.Fatalf("%v", err)
	}
}

// run wires the server and blocks until ctx is cancelled or the listener
// fails. Deferred cleanups run before it returns.
func run(ctx context.Context) error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	m := metrics.New()

	store, storePing, cleanup, err := buildStore(cfg.Store, m)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation store: %w", err)
	}
	defer cleanup()

	// A nil *ai.Service must not reach chatService as a non-nil interface.
	var completer chatService.Completer
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, m)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality, /api/chat will answer 503")
		} else {
			completer = aiService
			log.Printf("AI service initialized successfully (provider=%s)", aiService.Provider())
		}
	} else {
		log.Printf("%s credentials not configured, skipping AI initialization", cfg.AI.Provider)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NatsURL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.Events.NatsURL, cfg.Events.SubjectPrefix, "kisan-chat")
		if err != nil {
			log.Printf("warning: chat events disabled: %v", err)
		} else {
			defer natsPublisher.Close()
			publisher = natsPublisher
			log.Printf("publishing chat events to %s.*", cfg.Events.SubjectPrefix)
		}
	}

	storage, err := attachment.NewDiskStorage(cfg.Server.UploadDir)
	if err != nil {
		return fmt.Errorf("failed to prepare upload directory: %w", err)
	}

	chatSvc := chatService.NewService(store, completer, storage, chatService.Options{
		SystemPrompt:  ai.DefaultSystemPrompt,
		MaxUploadSize: cfg.Server.MaxUploadBytes,
		Events:        publisher,
		Metrics:       m,
	})

	router := handler.NewRouter(handler.Deps{
		Server:    cfg.Server,
		Chat:      chatSvc,
		Provider:  cfg.AI.Provider,
		Metrics:   m,
		StorePing: storePing,
	})

	return startServer(ctx, cfg.Server, router)
}

// buildStore selects the conversation store backend. The returned cleanup
// releases background work and connections.
func buildStore(cfg config.StoreConfig, m *metrics.Metrics) (chatService.Store, health.Pinger, func(), error) {
	if cfg.Backend == config.StoreRedis {
		redisStore, err := chatService.NewRedisStore(cfg.RedisURL, cfg.RedisPrefix, cfg.IdleTTL, chat.MaxConversationMessages)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("conversation store: redis (prefix=%s ttl=%s)", cfg.RedisPrefix, cfg.IdleTTL)
		return redisStore, redisStore, func() { _ = redisStore.Close() }, nil
	}

	memStore := chatService.NewMemoryStore(cfg.MaxSessions, chat.MaxConversationMessages)
	memStore.OnEvict(m.RecordEvictions)
	m.RegisterSessionGauge(func() float64 { return float64(memStore.Len()) })

	janitor, err := chatService.NewJanitor(memStore, cfg.IdleTTL, cfg.JanitorSchedule)
	if err != nil {
		return nil, nil, nil, err
	}
	janitor.Start()
	log.Printf("conversation store: memory (max_sessions=%d idle_ttl=%s schedule=%q)", cfg.MaxSessions, cfg.IdleTTL, cfg.JanitorSchedule)
	return memStore, nil, janitor.Stop, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Kisan chat backend listening on %s", addr)
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
