package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// config is the command configuration. Values are read from an optional
	// YAML file then overridden by environment variables.
	config struct {
		Provider  string          `yaml:"provider"`
		Anthropic anthropicConfig `yaml:"anthropic"`
		OpenAI    openaiConfig    `yaml:"openai"`
		Bedrock   bedrockConfig   `yaml:"bedrock"`
		RateLimit rateLimitConfig `yaml:"rate_limit"`
		ResultLog resultLogConfig `yaml:"result_log"`
	}

	anthropicConfig struct {
		APIKey         string  `yaml:"api_key"`
		Model          string  `yaml:"model"`
		MaxTokens      int     `yaml:"max_tokens"`
		Temperature    float64 `yaml:"temperature"`
		ThinkingBudget int64   `yaml:"thinking_budget"`
	}

	openaiConfig struct {
		APIKey         string `yaml:"api_key"`
		Model          string `yaml:"model"`
		EmbeddingModel string `yaml:"embedding_model"`
	}

	bedrockConfig struct {
		Region         string  `yaml:"region"`
		Model          string  `yaml:"model"`
		EmbeddingModel string  `yaml:"embedding_model"`
		MaxTokens      int     `yaml:"max_tokens"`
		Temperature    float32 `yaml:"temperature"`
	}

	rateLimitConfig struct {
		TPM    float64 `yaml:"tpm"`
		MaxTPM float64 `yaml:"max_tpm"`
	}

	resultLogConfig struct {
		MongoURI   string        `yaml:"mongo_uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		RedisAddr  string        `yaml:"redis_addr"`
		RedisPass  string        `yaml:"redis_password"`
		CacheTTL   time.Duration `yaml:"cache_ttl"`
	}
)

// Provider names accepted in the configuration.
const (
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"
	providerBedrock   = "bedrock"
)

// loadConfig reads path (when not empty), applies environment overrides and
// defaults, and validates the result.
func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) applyEnv() {
	c.Provider = envOr("MODELRESULT_PROVIDER", c.Provider)
	c.Anthropic.APIKey = envOr("ANTHROPIC_API_KEY", c.Anthropic.APIKey)
	c.Anthropic.Model = envOr("ANTHROPIC_MODEL", c.Anthropic.Model)
	c.OpenAI.APIKey = envOr("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.Model = envOr("OPENAI_MODEL", c.OpenAI.Model)
	c.Bedrock.Region = envOr("AWS_REGION", c.Bedrock.Region)
	c.Bedrock.Model = envOr("BEDROCK_MODEL", c.Bedrock.Model)
	c.RateLimit.TPM = envFloatOr("MODELRESULT_TPM", c.RateLimit.TPM)
	c.ResultLog.MongoURI = envOr("MONGO_URI", c.ResultLog.MongoURI)
	c.ResultLog.RedisAddr = envOr("REDIS_URL", c.ResultLog.RedisAddr)
	c.ResultLog.RedisPass = envOr("REDIS_PASSWORD", c.ResultLog.RedisPass)
	c.ResultLog.CacheTTL = envDurationOr("RESULT_CACHE_TTL", c.ResultLog.CacheTTL)
}

func (c *config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = providerAnthropic
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-5"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 1024
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Bedrock.Model == "" {
		c.Bedrock.Model = "anthropic.claude-sonnet-4-5-20250929-v1:0"
	}
	if c.Bedrock.MaxTokens == 0 {
		c.Bedrock.MaxTokens = 1024
	}
	if c.RateLimit.TPM == 0 {
		c.RateLimit.TPM = 60000
	}
	if c.RateLimit.MaxTPM < c.RateLimit.TPM {
		c.RateLimit.MaxTPM = c.RateLimit.TPM
	}
	if c.ResultLog.Database == "" {
		c.ResultLog.Database = "modelresult"
	}
}

func (c *config) validate() error {
	switch c.Provider {
	case providerAnthropic:
		if c.Anthropic.APIKey == "" {
			return errors.New("anthropic api key is required (ANTHROPIC_API_KEY)")
		}
	case providerOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("openai api key is required (OPENAI_API_KEY)")
		}
	case providerBedrock:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.RateLimit.TPM < 0 {
		return errors.New("rate limit tpm must be positive")
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
