// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strings"
	"time"
)

// Config carries every externally tunable setting for the server.
type Config struct {
	Port        string
	Environment string

	// DatabaseURL selects postgres when set; otherwise a local sqlite file
	// is used.
	DatabaseURL string
	SQLitePath  string

	// Remote sandbox provider.
	SandboxAPIURL  string
	SandboxAPIKey  string
	SandboxTTL     time.Duration
	SweepInterval  time.Duration
	CommandTimeout time.Duration

	// AI completion endpoint.
	AnthropicAPIKey string
	AnthropicModel  string

	// Git hosting.
	GitHubToken   string
	WebhookSecret string

	// Generation rate limiting (starts per minute per project).
	GenerationRateLimit float64
	GenerationBurst     int
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		Environment: envOr("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envOr("SQLITE_PATH", "codeloom.db"),

		SandboxAPIURL:  envOr("SANDBOX_API_URL", "https://api.sandboxes.dev/v1"),
		SandboxAPIKey:  os.Getenv("SANDBOX_API_KEY"),
		SandboxTTL:     durationOr("SANDBOX_TTL", time.Hour),
		SweepInterval:  durationOr("SANDBOX_SWEEP_INTERVAL", 5*time.Minute),
		CommandTimeout: durationOr("SANDBOX_COMMAND_TIMEOUT", 120*time.Second),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		WebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),

		GenerationRateLimit: 3.0 / 60.0,
		GenerationBurst:     3,
	}
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
