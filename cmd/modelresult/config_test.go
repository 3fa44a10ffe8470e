package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: openai
openai:
  api_key: file-key
  model: gpt-test
rate_limit:
  tpm: 1000
result_log:
  cache_ttl: 5m
`), 0o600))
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("MODELRESULT_PROVIDER", "")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, providerOpenAI, cfg.Provider)
	require.Equal(t, "env-key", cfg.OpenAI.APIKey)
	require.Equal(t, "gpt-test", cfg.OpenAI.Model)
	require.Equal(t, float64(1000), cfg.RateLimit.TPM)
	require.Equal(t, float64(1000), cfg.RateLimit.MaxTPM)
	require.Equal(t, 5*time.Minute, cfg.ResultLog.CacheTTL)
	require.Equal(t, "modelresult", cfg.ResultLog.Database)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("MODELRESULT_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := loadConfig("")
	require.ErrorContains(t, err, "anthropic api key")

	t.Setenv("MODELRESULT_PROVIDER", "mystery")
	_, err = loadConfig("")
	require.ErrorContains(t, err, "unknown provider")

	t.Setenv("MODELRESULT_PROVIDER", "bedrock")
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, 1024, cfg.Bedrock.MaxTokens)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
