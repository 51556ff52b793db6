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

// Generator modes accepted by GENERATOR_MODE.
const (
	GeneratorAuto = "auto"
	GeneratorArk  = "ark"
	GeneratorMock = "mock"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	AI     AIConfig
	Chat   ChatConfig
	Redis  RedisConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Store:  store,
		AI:     ai,
		Chat:   chat,
		Redis:  RedisConfig{URL: strings.TrimSpace(os.Getenv("REDIS_URL"))},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func loadServerConfig() (ServerConfig, error) {
	addr, err := ParseAddr(os.Getenv("PORT"))
	if err != nil {
		return ServerConfig{}, err
	}

	timeout, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{Addr: addr, ShutdownTimeout: timeout}, nil
}

// ParseAddr 解析服务器监听地址，允许 "8080"、":8080" 或 "127.0.0.1:8080"。
func ParseAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	return ":" + port, nil
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string
	DSN    string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", DriverSQLite))

	switch driver {
	case DriverSQLite:
		return StoreConfig{Driver: driver, DSN: getEnvOrDefault("STORE_DSN", "chat_history.db")}, nil
	case DriverPostgres:
		dsn := getEnvOrDefault("STORE_DSN", strings.TrimSpace(os.Getenv("DATABASE_URL")))
		if dsn == "" {
			return StoreConfig{}, fmt.Errorf("STORE_DRIVER=postgres requires STORE_DSN or DATABASE_URL")
		}
		return StoreConfig{Driver: driver, DSN: dsn}, nil
	case DriverMemory:
		return StoreConfig{Driver: driver}, nil
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value: %q", driver)
	}
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Mode         string
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	SystemPrompt string
	HistoryLimit int

	MockChunkSize  int
	MockChunkDelay time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
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
	mode := strings.ToLower(getEnvOrDefault("GENERATOR_MODE", GeneratorAuto))
	switch mode {
	case GeneratorAuto, GeneratorArk, GeneratorMock:
	default:
		return AIConfig{}, fmt.Errorf("invalid GENERATOR_MODE value: %q", mode)
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

	historyLimit, err := parseIntEnv("AI_HISTORY_LIMIT", 10)
	if err != nil {
		return AIConfig{}, err
	}
	if historyLimit < 0 {
		historyLimit = 0
	}

	chunkSize, err := parseIntEnv("MOCK_CHUNK_SIZE", 8)
	if err != nil {
		return AIConfig{}, err
	}
	if chunkSize < 1 {
		chunkSize = 1
	}

	chunkDelay, err := parseDurationEnv("MOCK_CHUNK_DELAY", 50*time.Millisecond)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Mode:           mode,
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		SystemPrompt:   getEnvOrDefault("AI_SYSTEM_PROMPT", "You are a helpful assistant in a small chat room. Answer concisely."),
		HistoryLimit:   historyLimit,
		MockChunkSize:  chunkSize,
		MockChunkDelay: chunkDelay,
	}, nil
}

// ChatConfig bounds inbound messages and the per-sender send lock.
type ChatConfig struct {
	MaxSenderLength  int
	MaxContentLength int
	// SendLockTTL is the Redis lock expiry. Holders refresh it every TTL/3,
	// so it only bounds how long a crashed instance blocks a sender.
	SendLockTTL time.Duration
}

func loadChatConfig() (ChatConfig, error) {
	maxSender, err := parseIntEnv("CHAT_MAX_SENDER_LENGTH", 64)
	if err != nil {
		return ChatConfig{}, err
	}

	maxContent, err := parseIntEnv("CHAT_MAX_CONTENT_LENGTH", 256)
	if err != nil {
		return ChatConfig{}, err
	}

	if maxSender < 1 || maxContent < 1 {
		return ChatConfig{}, fmt.Errorf("chat length limits must be positive")
	}

	ttl, err := parseDurationEnv("CHAT_SEND_LOCK_TTL", 2*time.Minute)
	if err != nil {
		return ChatConfig{}, err
	}

	return ChatConfig{MaxSenderLength: maxSender, MaxContentLength: maxContent, SendLockTTL: ttl}, nil
}

// RedisConfig 描述可选的 Redis 连接。
type RedisConfig struct {
	URL string
}

// Enabled reports whether a Redis URL was supplied.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
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
