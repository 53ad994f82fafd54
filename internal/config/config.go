// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	CORSOrigins     []string
	AllowAnonymous  bool
	TrustUserHeader bool

	LLM             LLMConfig
	Agent           AgentConfig
	Tools           ToolsConfig
	RateLimit       RateLimitConfig
	Timeout         TimeoutConfig
	Telemetry       TelemetryConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// AgentConfig bounds the orchestrator loop.
type AgentConfig struct {
	MaxRounds     int
	MaxHistory    int
	ParallelTools bool
}

// ToolsConfig bounds the tool dispatcher.
type ToolsConfig struct {
	MaxBatch          int
	QueryDefaultLimit int
	QueryMaxLimit     int
	SummaryRecent     int
}

// RateLimitConfig controls per-user chat throttling.
type RateLimitConfig struct {
	RPS                float64
	Burst              int
	MaxRequestBodySize int64
}

// TimeoutConfig holds server timeouts.
type TimeoutConfig struct {
	Read        time.Duration
	Write       time.Duration
	Idle        time.Duration
	Shutdown    time.Duration
	HealthCheck time.Duration
}

// TelemetryConfig controls trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
	SampleRatio  float64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/aj.db"),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "*")),
		AllowAnonymous:  getEnvBool("ALLOW_ANONYMOUS", true),
		TrustUserHeader: getEnvBool("TRUST_USER_HEADER", false),
		LLM: LLMConfig{
			APIKey:    getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:   getEnv("ANTHROPIC_BASE_URL", ""),
			Model:     getEnv("LLM_MODEL", "claude-sonnet-4-5-20250929"),
			MaxTokens: getEnvInt("LLM_MAX_TOKENS", 4096),
			Timeout:   getEnvDuration("LLM_TIMEOUT", 120*time.Second),
		},
		Agent: AgentConfig{
			MaxRounds:     getEnvInt("AGENT_MAX_ROUNDS", 10),
			MaxHistory:    getEnvInt("AGENT_MAX_HISTORY", 20),
			ParallelTools: getEnvBool("AGENT_PARALLEL_TOOLS", true),
		},
		Tools: ToolsConfig{
			MaxBatch:          getEnvInt("TOOLS_MAX_BATCH", 50),
			QueryDefaultLimit: getEnvInt("TOOLS_QUERY_DEFAULT_LIMIT", 20),
			QueryMaxLimit:     getEnvInt("TOOLS_QUERY_MAX_LIMIT", 50),
			SummaryRecent:     getEnvInt("TOOLS_SUMMARY_RECENT", 5),
		},
		RateLimit: RateLimitConfig{
			RPS:                getEnvFloat("RATE_LIMIT_RPS", 0.5),
			Burst:              getEnvInt("RATE_LIMIT_BURST", 5),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Timeout: TimeoutConfig{
			Read:        getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			Write:       getEnvDuration("HTTP_WRITE_TIMEOUT", 5*time.Minute),
			Idle:        getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "aj-server"),
			SampleRatio:  getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.Agent.MaxRounds <= 0 {
		return fmt.Errorf("AGENT_MAX_ROUNDS must be > 0")
	}
	if c.Agent.MaxHistory <= 0 {
		return fmt.Errorf("AGENT_MAX_HISTORY must be > 0")
	}
	if c.Tools.MaxBatch <= 0 {
		return fmt.Errorf("TOOLS_MAX_BATCH must be > 0")
	}
	if c.Tools.QueryDefaultLimit <= 0 || c.Tools.QueryMaxLimit < c.Tools.QueryDefaultLimit {
		return fmt.Errorf("TOOLS_QUERY_DEFAULT_LIMIT must be > 0 and <= TOOLS_QUERY_MAX_LIMIT")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// AIEnabled reports whether a provider credential is configured.
func (c *Config) AIEnabled() bool {
	return c.LLM.APIKey != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
