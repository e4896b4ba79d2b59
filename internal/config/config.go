package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Store  StoreConfig
	Events EventsConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Store: store, Events: loadEventsConfig()}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	UploadDir       string
	StaticDir       string
	MaxUploadBytes  int64
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址与上传限制。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "5000"
	}

	var addr string
	switch {
	case strings.Contains(port, ":"):
		// 允许用户直接传入 ":5000" 或 "127.0.0.1:5000"。
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = ":" + port
	}

	maxMB, err := parseOptionalIntEnv("MAX_UPLOAD_MB")
	if err != nil {
		return ServerConfig{}, err
	}
	maxUpload := int64(10)
	if maxMB != nil && *maxMB > 0 {
		maxUpload = int64(*maxMB)
	}

	rps, err := parseOptionalFloatEnv("RATE_LIMIT_RPS")
	if err != nil {
		return ServerConfig{}, err
	}
	rateLimit := 2.0
	if rps != nil {
		rateLimit = *rps
	}

	burst, err := parseOptionalIntEnv("RATE_LIMIT_BURST")
	if err != nil {
		return ServerConfig{}, err
	}
	rateBurst := 5
	if burst != nil {
		rateBurst = *burst
	}

	limitEnabled, err := parseBoolEnv("RATE_LIMIT_ENABLED", true)
	if err != nil {
		return ServerConfig{}, err
	}
	if !limitEnabled {
		// 速率为 0 时不挂载限流中间件
		rateLimit = 0
	}

	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:            addr,
		UploadDir:       getEnvOrDefault("UPLOAD_DIR", "uploads"),
		StaticDir:       getEnvOrDefault("STATIC_DIR", "public"),
		MaxUploadBytes:  maxUpload << 20,
		RateLimitRPS:    rateLimit,
		RateLimitBurst:  rateBurst,
		ShutdownTimeout: shutdown,
	}, nil
}

// 支持的生成式后端。
const (
	ProviderGemini = "gemini"
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider string

	GeminiAPIKey string
	GeminiModel  string

	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
}

// Enabled 表示当前选择的后端是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderArk:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	case ProviderOpenAI:
		return c.OpenAIAPIKey != ""
	default:
		return c.GeminiAPIKey != ""
	}
}

// NewChatModel 使用 Ark 配置创建一个 eino 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Model == "" || (c.APIKey == "" && (c.AccessKey == "" || c.SecretKey == "")) {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ProviderGemini))
	switch provider {
	case ProviderGemini, ProviderArk, ProviderOpenAI:
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:      provider,
		GeminiAPIKey:  strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:   getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash-exp"),
		APIKey:        strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:         strings.TrimSpace(os.Getenv("Model")),
		BaseURL:       getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:        getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:   temperature,
		TopP:          topP,
		MaxTokens:     maxTokens,
		OpenAIAPIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
	}, nil
}

// 会话存储后端。
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// StoreConfig 描述服务端会话存储配置。
type StoreConfig struct {
	Backend         string
	MaxSessions     int
	IdleTTL         time.Duration
	JanitorSchedule string
	RedisURL        string
	RedisPrefix     string
}

func loadStoreConfig() (StoreConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("STORE_BACKEND", StoreMemory))
	if backend != StoreMemory && backend != StoreRedis {
		return StoreConfig{}, fmt.Errorf("invalid STORE_BACKEND value %q", backend)
	}

	maxSessions := 1000
	if override, err := parseOptionalIntEnv("MAX_SESSIONS"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		if *override < 1 {
			maxSessions = 1
		} else {
			maxSessions = *override
		}
	}

	idle, err := parseDurationEnv("SESSION_IDLE_TTL", 6*time.Hour)
	if err != nil {
		return StoreConfig{}, err
	}

	return StoreConfig{
		Backend:         backend,
		MaxSessions:     maxSessions,
		IdleTTL:         idle,
		JanitorSchedule: getEnvOrDefault("JANITOR_SCHEDULE", "@every 10m"),
		RedisURL:        getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix:     getEnvOrDefault("REDIS_PREFIX", "kisan:conv:"),
	}, nil
}

// EventsConfig 描述可选的 NATS 事件发布配置，URL 为空时不发布。
type EventsConfig struct {
	NatsURL       string
	SubjectPrefix string
}

func loadEventsConfig() EventsConfig {
	return EventsConfig{
		NatsURL:       strings.TrimSpace(os.Getenv("NATS_URL")),
		SubjectPrefix: getEnvOrDefault("NATS_SUBJECT_PREFIX", "kisan.chat"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
