package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

type (
	// Config is the process configuration.
	Config struct {
		HTTP         HTTPConfig         `koanf:"http"`
		Limits       LimitsConfig       `koanf:"limits"`
		Redis        RedisConfig        `koanf:"redis"`
		Mongo        MongoConfig        `koanf:"mongo"`
		Pulse        PulseConfig        `koanf:"pulse"`
		Conversation ConversationConfig `koanf:"conversation"`
		Objects      ObjectsConfig      `koanf:"objects"`
		Model        ModelConfig        `koanf:"model"`
		Log          LogConfig          `koanf:"log"`
	}

	// HTTPConfig configures the HTTP listener.
	HTTPConfig struct {
		Addr            string        `koanf:"addr"`
		AllowOrigins    []string      `koanf:"allow_origins"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	}

	// LimitsConfig holds the orchestration budgets.
	LimitsConfig struct {
		MaxClarifications int           `koanf:"max_clarifications"`
		MaxRetries        int           `koanf:"max_retries"`
		MaxRevisions      int           `koanf:"max_revisions"`
		MessageLimit      int           `koanf:"message_limit"`
		QuotaWindow       time.Duration `koanf:"quota_window"`
		MaxExecution      time.Duration `koanf:"max_execution"`
		StepTimeout       time.Duration `koanf:"step_timeout"`
		// StepRate is the sustained executor calls per second per
		// capability. Zero disables rate limiting.
		StepRate float64 `koanf:"step_rate"`
	}

	// RedisConfig configures the shared Redis connection. An empty Addr
	// selects the in-memory stores.
	RedisConfig struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	}

	// MongoConfig configures the Mongo execution tracker. An empty URI
	// selects the in-memory tracker.
	MongoConfig struct {
		URI      string `koanf:"uri"`
		Database string `koanf:"database"`
	}

	// PulseConfig configures progress streaming. It requires Redis.
	PulseConfig struct {
		Enabled      bool `koanf:"enabled"`
		StreamMaxLen int  `koanf:"stream_max_len"`
	}

	// ConversationConfig selects the conversation log backend. An empty
	// driver keeps the log in memory.
	ConversationConfig struct {
		Driver string `koanf:"driver"`
		DSN    string `koanf:"dsn"`
	}

	// ObjectsConfig configures the artifact store.
	ObjectsConfig struct {
		TTL time.Duration `koanf:"ttl"`
	}

	// ModelConfig selects the model backing the planner, critic, revisor,
	// resolver and summarizer. An empty provider keeps the static planner.
	ModelConfig struct {
		// Provider is "anthropic", "openai" or "bedrock".
		Provider  string `koanf:"provider"`
		Model     string `koanf:"model"`
		APIKey    string `koanf:"api_key"`
		MaxTokens int    `koanf:"max_tokens"`
		// Region and the access keys configure Bedrock.
		Region          string `koanf:"region"`
		AccessKeyID     string `koanf:"access_key_id"`
		SecretAccessKey string `koanf:"secret_access_key"`
		SessionToken    string `koanf:"session_token"`
		// TokensPerMinute enables the adaptive rate limiter. Zero disables it.
		TokensPerMinute float64 `koanf:"tokens_per_minute"`
		// SharedLimit coordinates the limiter budget across processes
		// through Redis.
		SharedLimit bool `koanf:"shared_limit"`
	}

	// LogConfig configures clue logging.
	LogConfig struct {
		// Format is "json", "text" or "terminal". Empty picks terminal when
		// attached to one and JSON otherwise.
		Format string `koanf:"format"`
		Debug  bool   `koanf:"debug"`
	}
)

// EnvPrefix prefixes the environment variables overriding the file.
const EnvPrefix = "ANALYST_"

const maxConfigFileSize = 1024 * 1024

// LoadConfig reads the YAML file at path, if any, then applies ANALYST_
// environment overrides and defaults, and validates the result.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix: ANALYST_LIMITS_MAX_RETRIES sets limits.max_retries.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if len(c.HTTP.AllowOrigins) == 0 {
		c.HTTP.AllowOrigins = []string{"*"}
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if c.Limits.MaxClarifications == 0 {
		c.Limits.MaxClarifications = 3
	}
	if c.Limits.MaxRetries == 0 {
		c.Limits.MaxRetries = 2
	}
	if c.Limits.MaxRevisions == 0 {
		c.Limits.MaxRevisions = 3
	}
	if c.Limits.MessageLimit == 0 {
		c.Limits.MessageLimit = 50
	}
	if c.Limits.QuotaWindow == 0 {
		c.Limits.QuotaWindow = 24 * time.Hour
	}
	if c.Limits.MaxExecution == 0 {
		c.Limits.MaxExecution = 180 * time.Second
	}
	if c.Limits.StepTimeout == 0 {
		c.Limits.StepTimeout = 60 * time.Second
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		c.Mongo.Database = "analyst"
	}
	if c.Objects.TTL == 0 {
		c.Objects.TTL = 24 * time.Hour
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Limits.MaxClarifications < 1 {
		errs = append(errs, errors.New("limits.max_clarifications must be >= 1"))
	}
	if c.Limits.MaxRetries < 0 {
		errs = append(errs, errors.New("limits.max_retries must be >= 0"))
	}
	if c.Limits.MaxRevisions < 0 {
		errs = append(errs, errors.New("limits.max_revisions must be >= 0"))
	}
	if c.Limits.MessageLimit < 1 {
		errs = append(errs, errors.New("limits.message_limit must be >= 1"))
	}
	if c.Limits.QuotaWindow < 0 || c.Limits.MaxExecution < 0 || c.Limits.StepTimeout < 0 {
		errs = append(errs, errors.New("limits durations must not be negative"))
	}
	if c.Limits.StepRate < 0 {
		errs = append(errs, errors.New("limits.step_rate must be >= 0"))
	}
	if c.Pulse.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("pulse.enabled requires redis.addr"))
	}
	switch c.Conversation.Driver {
	case "", "sqlite":
	case "mysql":
		if c.Conversation.DSN == "" {
			errs = append(errs, errors.New("conversation.dsn is required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("conversation.driver %q is not supported", c.Conversation.Driver))
	}
	errs = append(errs, c.Model.validate(c.Redis.Addr != "")...)
	switch c.Log.Format {
	case "", "json", "text", "terminal":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (m ModelConfig) validate(hasRedis bool) []error {
	var errs []error
	switch m.Provider {
	case "":
		return nil
	case "anthropic", "openai":
		if m.APIKey == "" {
			errs = append(errs, fmt.Errorf("model.api_key is required for %s", m.Provider))
		}
	case "bedrock":
		if m.Region == "" {
			errs = append(errs, errors.New("model.region is required for bedrock"))
		}
	default:
		return []error{fmt.Errorf("model.provider %q is not supported", m.Provider)}
	}
	if m.Model == "" {
		errs = append(errs, errors.New("model.model is required"))
	}
	if m.MaxTokens < 0 {
		errs = append(errs, errors.New("model.max_tokens must be >= 0"))
	}
	if m.TokensPerMinute < 0 {
		errs = append(errs, errors.New("model.tokens_per_minute must be >= 0"))
	}
	if m.SharedLimit && !hasRedis {
		errs = append(errs, errors.New("model.shared_limit requires redis.addr"))
	}
	return errs
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}
