package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"ZEROVEIL_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"ZEROVEIL_PORT" envDefault:"8080"`

	// PolicyPath points at the policy document loaded once at startup.
	PolicyPath string `env:"ZEROVEIL_POLICY_PATH,required"`

	// TenantsPath points at the tenants file. Absent means legacy mode,
	// unless APIKey is set.
	TenantsPath string `env:"ZEROVEIL_TENANTS_PATH"`

	// APIKey enables single-key legacy authentication when TenantsPath is
	// not set. Empty disables auth entirely (full legacy mode).
	APIKey string `env:"ZEROVEIL_API_KEY"`

	// Upstream provider
	UpstreamBaseURL string        `env:"ZEROVEIL_UPSTREAM_BASE_URL" envDefault:"https://api.openai.com/v1/chat/completions"`
	UpstreamTimeout time.Duration `env:"ZEROVEIL_UPSTREAM_TIMEOUT" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequireAuth reports whether bearer authentication is mandatory: either a
// tenants file or a single legacy API key has been configured. With
// neither, every request runs under the synthetic default tenant.
func (c *Config) RequireAuth() bool {
	return c.TenantsPath != "" || c.APIKey != ""
}
