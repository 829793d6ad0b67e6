package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database (usage ledger disabled when empty)
	PostgresDSN string

	// Cache (rate limiting disabled when empty)
	RedisAddr string

	// Auth (bearer tokens disabled when empty)
	AuthJWTSecret string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	OpenAIDefaultModel    string
	GeminiDefaultModel    string
	AnthropicDefaultModel string

	DefaultProvider string        // default: gemini
	RequestTimeout  time.Duration // default: 120s
	MaxRetries      int           // default: 3

	// Observability
	OTELExporterType     string  // "stdout" or "otlp"
	OTELExporterEndpoint string  // default: "localhost:4317"
	ServiceName          string  // default: "llm-gateway"
	ServiceVersion       string  // default: "development"
	DeploymentEnv        string  // default: "development"
	TraceSampleRatio     float64 // default: 1.0

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		AuthJWTSecret:         os.Getenv("AUTH_JWT_SECRET"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIDefaultModel:    os.Getenv("OPENAI_DEFAULT_MODEL"),
		GeminiDefaultModel:    os.Getenv("GEMINI_DEFAULT_MODEL"),
		AnthropicDefaultModel: os.Getenv("ANTHROPIC_DEFAULT_MODEL"),
		DefaultProvider:       getEnv("LLM_DEFAULT_PROVIDER", "gemini"),
		OTELExporterType:      getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint:  getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		ServiceName:           getEnv("OTEL_SERVICE_NAME", "llm-gateway"),
		ServiceVersion:        getEnv("OTEL_SERVICE_VERSION", "development"),
		DeploymentEnv:         getEnv("DEPLOYMENT_ENV", "development"),
	}

	timeout, err := time.ParseDuration(getEnv("LLM_REQUEST_TIMEOUT", "120s"))
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_REQUEST_TIMEOUT: %w", err)
	}
	cfg.RequestTimeout = timeout

	retries, err := strconv.Atoi(getEnv("LLM_MAX_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_MAX_RETRIES: %w", err)
	}
	if retries < 0 {
		return nil, fmt.Errorf("invalid LLM_MAX_RETRIES: must not be negative")
	}
	cfg.MaxRetries = retries

	ratio, err := strconv.ParseFloat(getEnv("OTEL_TRACE_SAMPLE_RATIO", "1.0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_TRACE_SAMPLE_RATIO: %w", err)
	}
	cfg.TraceSampleRatio = ratio

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	return cfg, nil
}

// APIKey implements provider.Credentials. Unknown providers have no key.
func (c *Config) APIKey(provider string) (string, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return c.OpenAIAPIKey, nil
	case "gemini":
		return c.GeminiAPIKey, nil
	case "anthropic":
		return c.AnthropicAPIKey, nil
	}
	return "", fmt.Errorf("no credential for provider %q", provider)
}

// DefaultModels returns configured per-provider default model overrides.
func (c *Config) DefaultModels() map[string]string {
	out := make(map[string]string, 3)
	if c.OpenAIDefaultModel != "" {
		out["openai"] = c.OpenAIDefaultModel
	}
	if c.GeminiDefaultModel != "" {
		out["gemini"] = c.GeminiDefaultModel
	}
	if c.AnthropicDefaultModel != "" {
		out["anthropic"] = c.AnthropicDefaultModel
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
