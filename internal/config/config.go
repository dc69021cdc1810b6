// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL   string `env:"DATABASE_URL,required"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	// MigrateOnStart applies pending migrations before serving.
	MigrateOnStart bool `env:"MIGRATE_ON_START" envDefault:"false"`

	// Cache (Redis) for sessions, API key lookups and rate limiting
	RedisURL string `env:"REDIS_URL,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts. WriteTimeout must exceed OPENAI_TIMEOUT so a slow
	// completion is answered before the connection is cut.
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"2s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"90s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Sessions
	SessionSecret string        `env:"SESSION_SECRET,required"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	CookieName    string        `env:"SESSION_COOKIE_NAME" envDefault:"__session"`

	// Balance granted to newly joined users
	SignupTokens int `env:"SIGNUP_TOKENS" envDefault:"1000"`

	// Completion provider
	Provider ProviderConfig `envPrefix:"OPENAI_"`

	// Completion limits
	MaxPromptLength      int `env:"MAX_PROMPT_LENGTH" envDefault:"4000"`
	MaxRequestTokens     int `env:"MAX_REQUEST_TOKENS" envDefault:"4000"`
	DefaultRequestTokens int `env:"DEFAULT_REQUEST_TOKENS" envDefault:"150"`
	HistoryLimit         int `env:"HISTORY_LIMIT" envDefault:"20"`

	// Rate limiting on completion submissions, per user
	RateLimitEnabled   bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitPerMinute int  `env:"RATE_LIMIT_PER_MINUTE" envDefault:"10"`
	RateLimitBurst     int  `env:"RATE_LIMIT_BURST" envDefault:"3"`

	// Rate limiting on login and join attempts, per client IP
	AuthRateLimitPerMinute int `env:"AUTH_RATE_LIMIT_PER_MINUTE" envDefault:"20"`
	AuthRateLimitBurst     int `env:"AUTH_RATE_LIMIT_BURST" envDefault:"5"`

	// CORS configuration for the JSON API
	// Comma-separated list of allowed origins (e.g., "https://example.com,https://app.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Comma-separated addresses or CIDRs of reverse proxies whose forwarding
	// headers are believed. Empty means every peer is a client.
	TrustedProxies string `env:"TRUSTED_PROXIES" envDefault:""`

	// Request body size limit in bytes (default 1MB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"1048576"`
}

// ProviderConfig configures the text-completion provider and the fixed
// generation parameters sent with every request.
type ProviderConfig struct {
	APIKey  string        `env:"API_KEY,required"`
	BaseURL string        `env:"BASE_URL" envDefault:"https://api.openai.com/v1"`
	OrgID   string        `env:"ORG_ID"`
	Model   string        `env:"MODEL" envDefault:"text-davinci-002"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"60s"`

	Temperature      float32 `env:"TEMPERATURE" envDefault:"0.9"`
	TopP             float32 `env:"TOP_P" envDefault:"1"`
	FrequencyPenalty float32 `env:"FREQUENCY_PENALTY" envDefault:"0.52"`
	PresencePenalty  float32 `env:"PRESENCE_PENALTY" envDefault:"0.9"`
	N                int     `env:"N" envDefault:"1"`
	BestOf           int     `env:"BEST_OF" envDefault:"2"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// GetTrustedProxies parses TrustedProxies. A bare address is treated as a
// single-host prefix.
func (c *Config) GetTrustedProxies() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range strings.Split(c.TrustedProxies, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters")
	}
	if c.SignupTokens < 0 {
		return fmt.Errorf("SIGNUP_TOKENS must not be negative")
	}
	if c.MaxRequestTokens <= 0 {
		return fmt.Errorf("MAX_REQUEST_TOKENS must be positive")
	}
	if c.DefaultRequestTokens <= 0 || c.DefaultRequestTokens > c.MaxRequestTokens {
		return fmt.Errorf("DEFAULT_REQUEST_TOKENS must be between 1 and MAX_REQUEST_TOKENS")
	}
	if c.Provider.BestOf < c.Provider.N {
		return fmt.Errorf("OPENAI_BEST_OF must be >= OPENAI_N")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("OPENAI_TIMEOUT must be positive")
	}
	if _, err := c.GetTrustedProxies(); err != nil {
		return err
	}
	if c.WriteTimeout <= c.Provider.Timeout {
		return fmt.Errorf("WRITE_TIMEOUT (%s) must exceed OPENAI_TIMEOUT (%s)", c.WriteTimeout, c.Provider.Timeout)
	}
	return nil
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
