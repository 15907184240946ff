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
	Port     string
	LogLevel string

	DBPath      string
	DatabaseURL string // Postgres; when set it replaces the SQLite store.

	Persona    string // default persona id
	PersonaDir string // optional overrides, watched for changes

	SessionCapacity   int
	NameCooldownTurns int
	SearchCacheTTL    time.Duration

	Timeout         TimeoutConfig
	LLM             LLMConfig
	Zep             ZepConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	CORSOrigins     []string
}

// TimeoutConfig bounds each collaborator call.
type TimeoutConfig struct {
	ContextFetch time.Duration
	Search       time.Duration
	Generation   time.Duration
	MemoryStore  time.Duration
	HealthCheck  time.Duration
	Shutdown     time.Duration
}

// LLMConfig selects the generation provider.
type LLMConfig struct {
	Provider        string
	Model           string
	GroqAPIKey      string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GoogleAPIKey    string
	AnthropicAPIKey string
	AgentAddr       string
}

// ZepConfig enables the Zep memory backend when APIKey is set.
type ZepConfig struct {
	APIKey  string
	BaseURL string
}

// RateLimitConfig is the per-user request budget. Requests <= 0 disables it.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
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
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DBPath:            getEnv("DB_PATH", "./data/advisor.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		Persona:           getEnv("PERSONA", "relocation"),
		PersonaDir:        getEnv("PERSONA_DIR", ""),
		SessionCapacity:   getEnvInt("SESSION_CAPACITY", 100),
		NameCooldownTurns: getEnvInt("NAME_COOLDOWN_TURNS", 3),
		SearchCacheTTL:    getEnvDuration("SEARCH_CACHE_TTL", 10*time.Minute),
		Timeout: TimeoutConfig{
			ContextFetch: getEnvDuration("CONTEXT_FETCH_TIMEOUT", 3*time.Second),
			Search:       getEnvDuration("SEARCH_TIMEOUT", 5*time.Second),
			Generation:   getEnvDuration("GENERATION_TIMEOUT", 25*time.Second),
			MemoryStore:  getEnvDuration("MEMORY_STORE_TIMEOUT", 5*time.Second),
			HealthCheck:  getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:     getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Provider:        getEnv("LLM_PROVIDER", "auto"),
			Model:           getEnv("LLM_MODEL", ""),
			GroqAPIKey:      getEnv("GROQ_API_KEY", ""),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
			GoogleAPIKey:    getEnv("GOOGLE_API_KEY", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			AgentAddr:       getEnv("AGENT_ADDR", ""),
		},
		Zep: ZepConfig{
			APIKey:  getEnv("ZEP_API_KEY", ""),
			BaseURL: getEnv("ZEP_BASE_URL", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
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
	if c.DBPath == "" && c.DatabaseURL == "" {
		return fmt.Errorf("one of DB_PATH or DATABASE_URL must be set")
	}
	if c.Persona == "" {
		return fmt.Errorf("PERSONA cannot be empty")
	}
	if c.SessionCapacity <= 0 {
		return fmt.Errorf("SESSION_CAPACITY must be > 0")
	}
	if c.NameCooldownTurns < 0 {
		return fmt.Errorf("NAME_COOLDOWN_TURNS must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"CONTEXT_FETCH_TIMEOUT": c.Timeout.ContextFetch,
		"SEARCH_TIMEOUT":        c.Timeout.Search,
		"GENERATION_TIMEOUT":    c.Timeout.Generation,
		"MEMORY_STORE_TIMEOUT":  c.Timeout.MemoryStore,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
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

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("3").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
