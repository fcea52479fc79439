// Package config loads client and relay settings from the environment, with an
// optional dotenv file underneath. Priority: environment > dotenv > defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Client holds settings for the tablecast client.
type Client struct {
	// Connection
	BaseURL      string   `env:"TABLECAST_API_URL"`
	PageURL      string   `env:"TABLECAST_PAGE_URL"`
	RestaurantID string   `env:"TABLECAST_RESTAURANT_ID"`
	Channels     []string `env:"TABLECAST_CHANNELS" envDefault:"OrderChannel,InventoryChannel" envSeparator:","`

	// Credentials, checked in this order
	Token         string `env:"TABLECAST_TOKEN"`
	TokenFile     string `env:"TABLECAST_TOKEN_FILE"`
	AuthStateFile string `env:"TABLECAST_AUTH_STATE"`

	// Notification storage: http, memory or postgres
	Store       string `env:"TABLECAST_STORE" envDefault:"http"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Reconnection
	MaxReconnectAttempts int           `env:"TABLECAST_MAX_RECONNECT_ATTEMPTS" envDefault:"10"`
	HeartbeatInterval    time.Duration `env:"TABLECAST_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ProbeAddress         string        `env:"TABLECAST_PROBE_ADDR"`

	MetricsAddr string `env:"TABLECAST_METRICS_ADDR"`
	Output      string `env:"TABLECAST_OUTPUT" envDefault:"text"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Admin       bool   `env:"TABLECAST_ADMIN" envDefault:"true"`
}

// Relay holds settings for the development relay.
type Relay struct {
	Addr          string `env:"RELAY_ADDR" envDefault:":8080"`
	WebhookSecret string `env:"TABLECAST_WEBHOOK_SECRET"`
	// Tokens maps an accepted bearer token to the restaurant it may read, or "*".
	Tokens map[string]string `env:"RELAY_TOKENS" envSeparator:"," envKeyValSeparator:":"`

	Backlog     string `env:"RELAY_BACKLOG" envDefault:"memory"`
	BacklogSize int    `env:"RELAY_BACKLOG_SIZE" envDefault:"500"`
	DatabaseURL string `env:"DATABASE_URL"`

	MaxConnsPerIP int           `env:"RELAY_MAX_CONNS_PER_IP" envDefault:"10"`
	MaxConnsTotal int           `env:"RELAY_MAX_CONNS_TOTAL" envDefault:"1000"`
	PingInterval  time.Duration `env:"RELAY_PING_INTERVAL" envDefault:"30s"`

	LEDomains   []string `env:"RELAY_LE_DOMAINS" envSeparator:","`
	LECacheDir  string   `env:"RELAY_LE_CACHE_DIR" envDefault:"./.letsencrypt"`
	LEEmail     string   `env:"RELAY_LE_EMAIL"`
	LetsEncrypt bool     `env:"RELAY_LETSENCRYPT"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

var (
	storeKinds   = []string{"http", "memory", "postgres"}
	backlogKinds = []string{"memory", "postgres"}
	outputs      = []string{"text", "json"}
	logLevels    = []string{"debug", "info", "warn", "error"}
)

// LoadClient reads Client settings. With no files, ./.env is loaded if present.
func LoadClient(files ...string) (*Client, error) {
	cfg := &Client{}
	if err := load(cfg, files); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRelay reads Relay settings. With no files, ./.env is loaded if present.
func LoadRelay(files ...string) (*Relay, error) {
	cfg := &Relay{}
	if err := load(cfg, files); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func load(cfg any, files []string) error {
	if len(files) == 0 {
		// .env is optional; real deployments use the environment directly.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load %s: %w", strings.Join(files, ","), err)
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate reports missing or inconsistent settings. Credentials and the
// restaurant id are not required here since they may come from flags.
func (c *Client) Validate() error {
	var errs []error
	if c.BaseURL == "" && c.PageURL == "" {
		errs = append(errs, errors.New("TABLECAST_API_URL or TABLECAST_PAGE_URL is required"))
	}
	if !slices.Contains(storeKinds, c.Store) {
		errs = append(errs, fmt.Errorf("TABLECAST_STORE must be one of %v (got: %s)", storeKinds, c.Store))
	}
	if c.Store == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
	}
	if c.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("TABLECAST_MAX_RECONNECT_ATTEMPTS must be > 0, got %d", c.MaxReconnectAttempts))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("TABLECAST_HEARTBEAT_INTERVAL must be positive, got %v", c.HeartbeatInterval))
	}
	if !slices.Contains(outputs, c.Output) {
		errs = append(errs, fmt.Errorf("TABLECAST_OUTPUT must be one of %v (got: %s)", outputs, c.Output))
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of %v (got: %s)", logLevels, c.LogLevel))
	}
	return errors.Join(errs...)
}

// Validate reports missing or inconsistent settings.
func (r *Relay) Validate() error {
	var errs []error
	if r.Addr == "" {
		errs = append(errs, errors.New("RELAY_ADDR is required"))
	}
	if r.WebhookSecret == "" {
		errs = append(errs, errors.New("TABLECAST_WEBHOOK_SECRET is required"))
	}
	if !slices.Contains(backlogKinds, r.Backlog) {
		errs = append(errs, fmt.Errorf("RELAY_BACKLOG must be one of %v (got: %s)", backlogKinds, r.Backlog))
	}
	if r.Backlog == "postgres" && r.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres backlog"))
	}
	if r.BacklogSize < 1 {
		errs = append(errs, fmt.Errorf("RELAY_BACKLOG_SIZE must be > 0, got %d", r.BacklogSize))
	}
	if r.MaxConnsPerIP < 1 || r.MaxConnsTotal < r.MaxConnsPerIP {
		errs = append(errs, fmt.Errorf("connection limits must satisfy 0 < per-IP (%d) <= total (%d)",
			r.MaxConnsPerIP, r.MaxConnsTotal))
	}
	if r.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_PING_INTERVAL must be positive, got %v", r.PingInterval))
	}
	if r.LetsEncrypt && len(r.LEDomains) == 0 {
		errs = append(errs, errors.New("RELAY_LE_DOMAINS is required with RELAY_LETSENCRYPT"))
	}
	if !slices.Contains(logLevels, r.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of %v (got: %s)", logLevels, r.LogLevel))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a validated LOG_LEVEL value to a slog level.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
