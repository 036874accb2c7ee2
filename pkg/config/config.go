// Package config loads gateway configuration from YAML with environment
// variable expansion and validates it before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration.
type Config struct {
	Listen    string          `yaml:"listen" validate:"required"`
	DBPath    string          `yaml:"db_path" validate:"required"`
	Secret    string          `yaml:"secret"`
	Providers ProvidersConfig `yaml:"providers"`
	Cache     CacheConfig     `yaml:"cache"`
	Budget    BudgetConfig    `yaml:"budget"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Router    RouterConfig    `yaml:"router"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ProvidersConfig defines the upstream tier providers.
type ProvidersConfig struct {
	Local     LocalConfig     `yaml:"local"`
	Groq      GroqConfig      `yaml:"groq"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	// Timeout bounds a single upstream call.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries applies to transient upstream failures only.
	MaxRetries int `yaml:"max_retries" validate:"min=0,max=5"`
	// PaceRPS throttles outbound provider calls; 0 disables pacing.
	PaceRPS float64 `yaml:"pace_rps" validate:"min=0"`
}

// LocalConfig points at an OpenAI-compatible local inference server.
type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
}

// GroqConfig configures the cheap hosted tier.
type GroqConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AnthropicConfig configures the premium tier.
type AnthropicConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// CacheConfig controls the exact and semantic caches.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`
	MaxEntries        int           `yaml:"max_entries" validate:"min=0"`
	SemanticEnabled   bool          `yaml:"semantic_enabled"`
	SemanticThreshold float64       `yaml:"semantic_threshold" validate:"min=0,max=1"`
	SemanticMax       int           `yaml:"semantic_max" validate:"min=0"`
	// EmbedURL is an OpenAI-compatible /embeddings endpoint. Empty selects
	// the deterministic hash embedder.
	EmbedURL   string `yaml:"embed_url"`
	EmbedModel string `yaml:"embed_model"`
}

// BudgetConfig sets the daily USD thresholds.
type BudgetConfig struct {
	DailySoft   float64 `yaml:"daily_soft" validate:"min=0"`
	DailyMedium float64 `yaml:"daily_medium" validate:"min=0"`
	DailyHard   float64 `yaml:"daily_hard" validate:"min=0"`
}

// RateLimitConfig sets per-caller fixed-window limits.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window" validate:"min=0"`
	TokensPerWindow   int           `yaml:"tokens_per_window" validate:"min=0"`
	Window            time.Duration `yaml:"window"`
}

// RouterConfig tunes tier selection.
type RouterConfig struct {
	// ContextBudgetCheap and ContextBudgetPremium cap prompt tokens per tier.
	ContextBudgetCheap   int `yaml:"context_budget_cheap" validate:"min=0"`
	ContextBudgetPremium int `yaml:"context_budget_premium" validate:"min=0"`
	// LocalMaxTokens is the largest prompt the local tier will accept.
	LocalMaxTokens int `yaml:"local_max_tokens" validate:"min=0"`
}

// PolicyConfig controls the admission policy gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`
	// AllowCodeExamples permits injection-shaped content inside code blocks.
	AllowCodeExamples bool `yaml:"allow_code_examples"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "gateway.db",
		Providers: ProvidersConfig{
			Local: LocalConfig{
				URL:   "http://localhost:11434",
				Model: "llama3.2",
			},
			Groq: GroqConfig{
				URL:   "https://api.groq.com/openai/v1",
				Model: "llama-3.3-70b-versatile",
			},
			Anthropic: AnthropicConfig{
				URL:   "https://api.anthropic.com",
				Model: "claude-sonnet-4-20250514",
			},
			Timeout:    120 * time.Second,
			MaxRetries: 2,
			PaceRPS:    10,
		},
		Cache: CacheConfig{
			Enabled:           true,
			TTL:               time.Hour,
			MaxEntries:        10000,
			SemanticEnabled:   true,
			SemanticThreshold: 0.92,
			SemanticMax:       2000,
		},
		Budget: BudgetConfig{
			DailySoft:   5.0,
			DailyMedium: 20.0,
			DailyHard:   50.0,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 60,
			TokensPerWindow:   100000,
			Window:            time.Minute,
		},
		Router: RouterConfig{
			ContextBudgetCheap:   8000,
			ContextBudgetPremium: 50000,
			LocalMaxTokens:       2000,
		},
		Policy: PolicyConfig{
			Enabled:           true,
			AllowCodeExamples: true,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, expands environment variables, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets a handful of operational knobs come straight from the
// environment, overriding the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_SECRET"); v != "" {
		c.Secret = v
	}
	if v := os.Getenv("GATEWAY_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" {
		c.Providers.Groq.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("LOCAL_LLM_URL"); v != "" {
		c.Providers.Local.URL = v
	}
	if v := os.Getenv("LOCAL_LLM_MODEL"); v != "" {
		c.Providers.Local.Model = v
	}
	if v := os.Getenv("LOCAL_LLM_ENABLED"); v != "" {
		c.Providers.Local.Enabled = v == "true" || v == "1"
	}
	if v, ok := envFloat("DAILY_BUDGET_SOFT"); ok {
		c.Budget.DailySoft = v
	}
	if v, ok := envFloat("DAILY_BUDGET_MEDIUM"); ok {
		c.Budget.DailyMedium = v
	}
	if v, ok := envFloat("DAILY_BUDGET_HARD"); ok {
		c.Budget.DailyHard = v
	}
	if v, ok := envFloat("SEMANTIC_THRESHOLD"); ok {
		c.Cache.SemanticThreshold = v
	}
	if v, ok := envInt("RATE_LIMIT_RPM"); ok {
		c.RateLimit.RequestsPerWindow = v
	}
	if v, ok := envInt("RATE_LIMIT_TPM"); ok {
		c.RateLimit.TokensPerWindow = v
	}
	if v, ok := envInt("CONTEXT_BUDGET_CHEAP"); ok {
		c.Router.ContextBudgetCheap = v
	}
	if v, ok := envInt("CONTEXT_BUDGET_PREMIUM"); ok {
		c.Router.ContextBudgetPremium = v
	}
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Budget.DailySoft > c.Budget.DailyMedium {
		return fmt.Errorf("validate config: daily_soft %.2f exceeds daily_medium %.2f", c.Budget.DailySoft, c.Budget.DailyMedium)
	}
	if c.Budget.DailyMedium > c.Budget.DailyHard {
		return fmt.Errorf("validate config: daily_medium %.2f exceeds daily_hard %.2f", c.Budget.DailyMedium, c.Budget.DailyHard)
	}
	if c.RateLimit.Enabled && c.RateLimit.Window <= 0 {
		return fmt.Errorf("validate config: rate limit window must be positive")
	}
	return nil
}
