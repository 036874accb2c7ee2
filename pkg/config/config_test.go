package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.InDelta(t, 0.92, cfg.Cache.SemanticThreshold, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_GROQ_KEY", "gsk-test-123")

	content := `
listen: ":9090"
db_path: "test.db"
providers:
  groq:
    api_key: ${TEST_GROQ_KEY}
  timeout: 60s
budget:
  daily_soft: 1
  daily_medium: 2
  daily_hard: 3
rate_limit:
  enabled: true
  requests_per_window: 10
  window: 30s
cache:
  enabled: true
  ttl: 30m
  semantic_threshold: 0.9
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "gsk-test-123", cfg.Providers.Groq.APIKey, "env var not expanded")
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 3.0, cfg.Budget.DailyHard)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerWindow)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_SECRET", "s3cret")
	t.Setenv("DAILY_BUDGET_HARD", "99.5")
	t.Setenv("RATE_LIMIT_RPM", "7")
	t.Setenv("LOCAL_LLM_ENABLED", "true")

	content := "listen: \":8080\"\ndb_path: \"gw.db\"\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, 99.5, cfg.Budget.DailyHard)
	assert.Equal(t, 7, cfg.RateLimit.RequestsPerWindow)
	assert.True(t, cfg.Providers.Local.Enabled)
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := Default()
	cfg.Budget.DailySoft = 100
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_soft")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
