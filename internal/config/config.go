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

// DefaultHandoffMessage 会话升级到人工时发送给客户的固定回复。
const DefaultHandoffMessage = "Thank you for reaching out. We've escalated your request to our team. A team member will follow up with you shortly."

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	AI       AIConfig
	Store    StoreConfig
	Tools    ToolsConfig
	Pipeline PipelineConfig
	Log      LogConfig
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

	tools, err := loadToolsConfig()
	if err != nil {
		return nil, err
	}

	pipeline, err := loadPipelineConfig()
	if err != nil {
		return nil, err
	}

	caller, err := parseBoolEnv("LOG_CALLER", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:   server,
		AI:       ai,
		Store:    store,
		Tools:    tools,
		Pipeline: pipeline,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
			Caller: caller,
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 拒绝服务无法运行的配置。
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid DB_DRIVER value %q: want sqlite or memory", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("DB_PATH is required for the sqlite driver")
	}
	if c.Store.SessionCacheSize < 1 {
		return fmt.Errorf("SESSION_CACHE_SIZE must be at least 1")
	}
	if c.Pipeline.MaxToolRounds < 1 {
		return fmt.Errorf("PIPELINE_MAX_TOOL_ROUNDS must be at least 1")
	}
	if c.Pipeline.ModelRetries < 0 {
		return fmt.Errorf("PIPELINE_MODEL_RETRIES must not be negative")
	}
	if c.Pipeline.ReplyTimeout <= 0 {
		return fmt.Errorf("REPLY_TIMEOUT must be positive")
	}
	if c.Tools.RateLimit < 0 {
		return fmt.Errorf("TOOLS_RATE_LIMIT must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT value %q: want json or console", c.Log.Format)
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

func loadServerConfig() (ServerConfig, error) {
	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例，每次调用都返回新实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY and ARK_MODEL, or ARK_ACCESS_KEY/ARK_SECRET_KEY")
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

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
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

	modelName := strings.TrimSpace(os.Getenv("ARK_MODEL"))
	if modelName == "" {
		modelName = strings.TrimSpace(os.Getenv("Model"))
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       modelName,
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// StoreConfig 描述会话存储的驱动与路径。
type StoreConfig struct {
	Driver           string
	Path             string
	SessionCacheSize int
}

func loadStoreConfig() (StoreConfig, error) {
	cacheSize, err := parseOptionalIntEnv("SESSION_CACHE_SIZE")
	if err != nil {
		return StoreConfig{}, err
	}
	size := 1024
	if cacheSize != nil {
		size = *cacheSize
	}

	return StoreConfig{
		Driver:           strings.ToLower(getEnvOrDefault("DB_DRIVER", "sqlite")),
		Path:             getEnvOrDefault("DB_PATH", "support.db"),
		SessionCacheSize: size,
	}, nil
}

// ToolsConfig 描述工具背后的电商 API。
type ToolsConfig struct {
	APIURL    string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

func loadToolsConfig() (ToolsConfig, error) {
	timeout, err := parseDurationEnv("TOOLS_TIMEOUT", 30*time.Second)
	if err != nil {
		return ToolsConfig{}, err
	}

	limit, err := parseOptionalFloatEnv("TOOLS_RATE_LIMIT")
	if err != nil {
		return ToolsConfig{}, err
	}
	rateLimit := 10.0
	if limit != nil {
		rateLimit = *limit
	}

	burst, err := parseOptionalIntEnv("TOOLS_RATE_BURST")
	if err != nil {
		return ToolsConfig{}, err
	}
	rateBurst := 5
	if burst != nil {
		rateBurst = *burst
	}

	return ToolsConfig{
		APIURL:    strings.TrimSpace(os.Getenv("API_URL")),
		Timeout:   timeout,
		RateLimit: rateLimit,
		RateBurst: rateBurst,
	}, nil
}

// PipelineConfig 调整多阶段流水线与会话状态机。
type PipelineConfig struct {
	MaxToolRounds  int
	ModelRetries   int
	ReplyTimeout   time.Duration
	HandoffMessage string
	BrandName      string
}

func loadPipelineConfig() (PipelineConfig, error) {
	rounds, err := parseOptionalIntEnv("PIPELINE_MAX_TOOL_ROUNDS")
	if err != nil {
		return PipelineConfig{}, err
	}
	maxRounds := 5
	if rounds != nil {
		maxRounds = *rounds
	}

	retries, err := parseOptionalIntEnv("PIPELINE_MODEL_RETRIES")
	if err != nil {
		return PipelineConfig{}, err
	}
	modelRetries := 2
	if retries != nil {
		modelRetries = *retries
	}

	timeout, err := parseDurationEnv("REPLY_TIMEOUT", 90*time.Second)
	if err != nil {
		return PipelineConfig{}, err
	}

	return PipelineConfig{
		MaxToolRounds:  maxRounds,
		ModelRetries:   modelRetries,
		ReplyTimeout:   timeout,
		HandoffMessage: getEnvOrDefault("HANDOFF_MESSAGE", DefaultHandoffMessage),
		BrandName:      getEnvOrDefault("BRAND_NAME", "our store"),
	}, nil
}

// LogConfig 控制进程日志。
type LogConfig struct {
	Level  string
	Format string
	Caller bool
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
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

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒解析。
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
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
