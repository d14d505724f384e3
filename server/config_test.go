package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Limits.MaxClarifications)
	assert.Equal(t, 2, cfg.Limits.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Limits.QuotaWindow)
	assert.Equal(t, 180*time.Second, cfg.Limits.MaxExecution)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowOrigins)
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analyst.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
limits:
  max_retries: 4
  max_execution: 90s
redis:
  addr: localhost:6379
pulse:
  enabled: true
conversation:
  driver: sqlite
  dsn: /tmp/analyst.db
`), 0o600))
	t.Setenv("ANALYST_LIMITS_MAX_RETRIES", "5")
	t.Setenv("ANALYST_MONGO_URI", "mongodb://localhost:27017")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Limits.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Limits.MaxExecution)
	assert.True(t, cfg.Pulse.Enabled)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "analyst", cfg.Mongo.Database)
	assert.Equal(t, "/tmp/analyst.db", cfg.Conversation.DSN)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Pulse.Enabled = true
	cfg.Conversation.Driver = "oracle"
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse.enabled requires redis.addr")
	assert.Contains(t, err.Error(), "conversation.driver")
	assert.Contains(t, err.Error(), "log.format")
}

func TestModelConfigValidate(t *testing.T) {
	cases := []struct {
		name  string
		model ModelConfig
		redis string
		want  []string
	}{
		{name: "disabled", model: ModelConfig{}},
		{name: "anthropic", model: ModelConfig{Provider: "anthropic", Model: "claude", APIKey: "k"}},
		{name: "bedrock", model: ModelConfig{Provider: "bedrock", Model: "anthropic.claude", Region: "us-east-1"}},
		{name: "unknown provider", model: ModelConfig{Provider: "gemini"}, want: []string{"model.provider"}},
		{name: "missing key and model", model: ModelConfig{Provider: "openai"}, want: []string{"model.api_key", "model.model"}},
		{name: "missing region", model: ModelConfig{Provider: "bedrock", Model: "m"}, want: []string{"model.region"}},
		{name: "shared limit without redis", model: ModelConfig{Provider: "openai", Model: "m", APIKey: "k", SharedLimit: true}, want: []string{"model.shared_limit"}},
		{name: "shared limit with redis", model: ModelConfig{Provider: "openai", Model: "m", APIKey: "k", SharedLimit: true}, redis: "localhost:6379"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Model: tc.model, Redis: RedisConfig{Addr: tc.redis}}
			cfg.ApplyDefaults()
			err := cfg.Validate()
			if len(tc.want) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, w := range tc.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestModelKeysFromEnvironment(t *testing.T) {
	t.Setenv("ANALYST_MODEL_PROVIDER", "anthropic")
	t.Setenv("ANALYST_MODEL_MODEL", "claude-sonnet")
	t.Setenv("ANALYST_MODEL_API_KEY", "secret")
	t.Setenv("ANALYST_MODEL_TOKENS_PER_MINUTE", "40000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, "claude-sonnet", cfg.Model.Model)
	assert.Equal(t, "secret", cfg.Model.APIKey)
	assert.InDelta(t, 40000, cfg.Model.TokensPerMinute, 0.1)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
