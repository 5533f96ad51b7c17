package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	ConnectionStore string `env:"CONNECTION_STORE" envDefault:"postgres" validate:"oneof=postgres mongo memory"`
	DatabaseURL     string `env:"DATABASE_URL" validate:"required_if=ConnectionStore postgres"`
	MongoURI        string `env:"MONGO_URI" validate:"required_if=ConnectionStore mongo"`
	MongoDatabase   string `env:"MONGO_DATABASE" envDefault:"storelink" validate:"required_if=ConnectionStore mongo"`

	SallaClientID     string        `env:"SALLA_CLIENT_ID,required" validate:"required"`
	SallaClientSecret string        `env:"SALLA_CLIENT_SECRET,required" validate:"required"`
	SallaAPIBaseURL   string        `env:"SALLA_API_BASE_URL" envDefault:"https://api.salla.dev/admin/v2" validate:"required,url"`
	SallaAuthURL      string        `env:"SALLA_AUTH_URL" envDefault:"https://accounts.salla.sa/oauth2/auth" validate:"required,url"`
	SallaTokenURL     string        `env:"SALLA_TOKEN_URL" envDefault:"https://accounts.salla.sa/oauth2/token" validate:"required,url"`
	SallaHTTPTimeout  time.Duration `env:"SALLA_HTTP_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	SallaConnectPage  string        `env:"SALLA_CONNECT_PAGE" envDefault:"/salla-connect" validate:"required,startswith=/"`

	OAuthStateSecret string        `env:"OAUTH_STATE_SECRET,required" validate:"required,min=32"`
	OAuthStateTTL    time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m" validate:"gt=0"`

	BaseURL            string   `env:"BASE_URL" validate:"omitempty,url"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," validate:"dive,omitempty,url"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	SessionStoreProvider  string `env:"SESSION_STORE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis,required_if=SessionStoreProvider redis"`

	EncryptionKey string `env:"ENCRYPTION_KEY,required" validate:"required,len=32"`

	SentryDSN         string `env:"SENTRY_DSN"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT" envDefault:"development"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment values win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if strings.TrimSpace(c.SallaClientID) == "" || strings.TrimSpace(c.SallaClientSecret) == "" {
		return fmt.Errorf("SALLA_CLIENT_ID and SALLA_CLIENT_SECRET must both be set")
	}

	baseURL := strings.TrimSpace(c.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Hostname() == "" {
			return fmt.Errorf("BASE_URL must be a valid absolute URL")
		}
		if !isLocalHost(parsed.Hostname()) && !strings.EqualFold(parsed.Scheme, "https") {
			return fmt.Errorf("BASE_URL must use https outside local development")
		}
	}

	return nil
}

// AllowedOrigins returns the dashboard origins that may start an OAuth flow
// or call the JSON API from a browser.
func (c *Config) AllowedOrigins() []string {
	origins := make([]string, 0, len(c.CORSAllowedOrigins)+1)
	seen := map[string]struct{}{}
	add := func(origin string) {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			return
		}
		if _, ok := seen[origin]; ok {
			return
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}

	add(c.BaseURL)
	for _, origin := range c.CORSAllowedOrigins {
		add(origin)
	}
	return origins
}

func isLocalHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
