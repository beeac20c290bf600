package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is everything the client reads from the environment.
type Config struct {
	// ClientID is the identity-provider app client placed in every auth URL.
	ClientID string `env:"TIMECARD_COGNITO_CLIENT_ID,required"`
	// PoolID scopes the session handle and the clock endpoints.
	PoolID string `env:"TIMECARD_USER_POOL_ID,required"`
	// AppBaseURL is where the identity provider sends the visitor back; the
	// loopback server listens on its host.
	AppBaseURL string   `env:"TIMECARD_APP_BASE_URL" envDefault:"http://localhost:5173"`
	AuthDomain string   `env:"TIMECARD_AUTH_DOMAIN" envDefault:"https://auth.timecard.pro"`
	BackendURL string   `env:"TIMECARD_BACKEND_URL" envDefault:"http://localhost:4000"`
	Scopes     []string `env:"TIMECARD_SCOPES" envSeparator:" " envDefault:"aws.cognito.signin.user.admin email openid phone"`

	RedirectCountdown time.Duration `env:"TIMECARD_REDIRECT_COUNTDOWN" envDefault:"7s"`
	RefreshLeeway     time.Duration `env:"TIMECARD_REFRESH_LEEWAY" envDefault:"1m"`
	HTTPTimeout       time.Duration `env:"TIMECARD_HTTP_TIMEOUT" envDefault:"10s"`

	SessionDB string `env:"TIMECARD_SESSION_DB"`

	LogLevel  string `env:"TIMECARD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TIMECARD_LOG_FORMAT" envDefault:"console"`
	LogFile   string `env:"TIMECARD_LOG_FILE"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadConfig parses, defaults and validates the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.SessionDB == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate config dir: %w", err)
		}
		cfg.SessionDB = filepath.Join(dir, "timecard", "session.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"TIMECARD_APP_BASE_URL": c.AppBaseURL,
		"TIMECARD_AUTH_DOMAIN":  c.AuthDomain,
		"TIMECARD_BACKEND_URL":  c.BackendURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.RedirectCountdown <= 0 {
		return errors.New("TIMECARD_REDIRECT_COUNTDOWN must be positive")
	}
	if c.RefreshLeeway < 0 {
		return errors.New("TIMECARD_REFRESH_LEEWAY must not be negative")
	}
	return nil
}

// RedirectURI is the return address registered with the identity provider.
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.AppBaseURL, "/") + redirectPath
}

// LogoutURI is where the identity provider lands the visitor after logout.
func (c *Config) LogoutURI() string {
	return strings.TrimRight(c.AppBaseURL, "/") + "/"
}

// ListenAddr is the host:port of AppBaseURL.
func (c *Config) ListenAddr() string {
	u, err := url.Parse(c.AppBaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}
