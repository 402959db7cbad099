package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// APPLICATION CONFIGURATION
// All tunables are read from the environment once at startup. main() calls
// godotenv.Load() first, so a local .env file works in development.
// ============================================================================

type Config struct {
	Port string

	// Wildberries settings
	WBRegion   string
	WBUseProxy bool

	// Search settings
	SearchKeywordsCount int
	MaxSearchPages      int
	MaxPositionLimit    int

	// Pacing between upstream calls. The scan is deliberately sequential:
	// one page at a time, one keyword at a time.
	PageDelay    time.Duration
	KeywordDelay time.Duration

	// Proxy settings
	ProxyEnabled        bool
	ProxyTimeoutMinutes int
	PiaBaseHost         string
	PiaPort             int
	PiaUsername         string
	PiaPassword         string

	// LLM provider settings
	LLMProvider      string // "openrouter" or "deepseek"
	OpenRouterAPIKey string
	OpenRouterModel  string
	DeepSeekAPIKey   string
	DeepSeekModel    string
	LLMUseProxy      bool

	// Retry settings
	LLMMaxRetries     int
	LLMInitialBackoff float64
	LLMMaxBackoff     float64
	LLMBackoffFactor  float64

	// API auth
	JWTSecret       string
	APIPasswordHash string
}

// Load reads the configuration from environment variables, applying the
// documented defaults for anything unset.
func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),

		WBRegion:   getEnv("WB_REGION", "ru"),
		WBUseProxy: getEnvBool("WB_USE_PROXY", false),

		SearchKeywordsCount: getEnvInt("SEARCH_KEYWORDS_COUNT", 5),
		MaxSearchPages:      getEnvInt("MAX_SEARCH_PAGES", 5),
		MaxPositionLimit:    getEnvInt("MAX_POSITION_LIMIT", 500),

		PageDelay:    getEnvDuration("SEARCH_PAGE_DELAY", 500*time.Millisecond),
		KeywordDelay: getEnvDuration("SEARCH_KEYWORD_DELAY", 300*time.Millisecond),

		ProxyEnabled:        getEnvBool("PROXY_ENABLED", false),
		ProxyTimeoutMinutes: getEnvInt("PROXY_TIMEOUT_MINUTES", 2),
		PiaBaseHost:         getEnv("PIA_BASE_HOST", "ms94o76z.proxy.piaproxy.co"),
		PiaPort:             getEnvInt("PIA_PORT", 5000),
		PiaUsername:         strings.TrimSpace(os.Getenv("PIA_USERNAME")),
		PiaPassword:         strings.TrimSpace(os.Getenv("PIA_PASSWORD")),

		LLMProvider:      strings.ToLower(getEnv("LLM_PROVIDER", "openrouter")),
		OpenRouterAPIKey: strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		OpenRouterModel:  getEnv("OPENROUTER_MODEL", "anthropic/claude-3-haiku-20240229"),
		DeepSeekAPIKey:   strings.TrimSpace(os.Getenv("DEEPSEEK_API_KEY")),
		DeepSeekModel:    getEnv("DEEPSEEK_MODEL", "deepseek-chat"),
		LLMUseProxy:      getEnvBool("LLM_USE_PROXY", false),

		LLMMaxRetries:     getEnvInt("LLM_MAX_RETRIES", 3),
		LLMInitialBackoff: getEnvFloat("LLM_INITIAL_BACKOFF", 2.0),
		LLMMaxBackoff:     getEnvFloat("LLM_MAX_BACKOFF", 60.0),
		LLMBackoffFactor:  getEnvFloat("LLM_BACKOFF_FACTOR", 2.0),

		JWTSecret:       os.Getenv("JWT_SECRET"),
		APIPasswordHash: os.Getenv("API_PASSWORD_HASH"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(v) == "true"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
