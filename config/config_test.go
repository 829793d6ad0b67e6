package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "LLM_DEFAULT_PROVIDER", "LLM_REQUEST_TIMEOUT", "LLM_MAX_RETRIES", "OTEL_TRACE_SAMPLE_RATIO", "DEFAULT_RATE_LIMIT_TPM"} {
		t.Setenv(k, "") // restores the original value after the test
		os.Unsetenv(k)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gemini", cfg.DefaultProvider)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LLM_DEFAULT_PROVIDER", "claude")
	t.Setenv("LLM_REQUEST_TIMEOUT", "30s")
	t.Setenv("LLM_MAX_RETRIES", "0")
	t.Setenv("OTEL_TRACE_SAMPLE_RATIO", "0.1")
	t.Setenv("DEFAULT_RATE_LIMIT_TPM", "500")
	t.Setenv("GEMINI_DEFAULT_MODEL", "gemini-2.5-pro")
	t.Setenv("OPENAI_DEFAULT_MODEL", "")
	t.Setenv("ANTHROPIC_DEFAULT_MODEL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.DefaultProvider)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 0.1, cfg.TraceSampleRatio)
	assert.Equal(t, int64(500), cfg.DefaultRateLimitTPM)
	assert.Equal(t, map[string]string{"gemini": "gemini-2.5-pro"}, cfg.DefaultModels())
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"LLM_REQUEST_TIMEOUT":     "soon",
		"LLM_MAX_RETRIES":         "-1",
		"OTEL_TRACE_SAMPLE_RATIO": "most",
		"DEFAULT_RATE_LIMIT_TPM":  "lots",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestAPIKey(t *testing.T) {
	cfg := &Config{OpenAIAPIKey: "o", GeminiAPIKey: "g", AnthropicAPIKey: "a"}

	for provider, want := range map[string]string{"openai": "o", "gemini": "g", "anthropic": "a"} {
		got, err := cfg.APIKey(provider)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := cfg.APIKey("mistral")
	assert.Error(t, err)
}
