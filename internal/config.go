package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables which override the config file.
const (
	EnvBindAddr        = "RELAY_BINDADDR"
	EnvDB              = "RELAY_DB"
	EnvJWTSecret       = "RELAY_JWT_SECRET"
	EnvSupabaseURL     = "RELAY_SUPABASE_URL"
	EnvSupabaseAnonKey = "RELAY_SUPABASE_ANON_KEY"
	EnvAuthTimeout     = "RELAY_AUTH_TIMEOUT"
	EnvAuthCacheTTL    = "RELAY_AUTH_CACHE_TTL"
	EnvPresenceTimeout = "RELAY_PRESENCE_TIMEOUT"
	EnvReaperInterval  = "RELAY_REAPER_INTERVAL"
	EnvPingInterval    = "RELAY_PING_INTERVAL"
	EnvPongWait        = "RELAY_PONG_WAIT"
	EnvSendBuffer      = "RELAY_SEND_BUFFER"
	EnvMaxMessageBytes = "RELAY_MAX_MESSAGE_BYTES"
	EnvNATSURL         = "RELAY_NATS_URL"
	EnvNodeID          = "RELAY_NODE_ID"
	EnvPrometheus      = "RELAY_PROM"
	EnvSentryDSN       = "RELAY_SENTRY_DSN"
	EnvOTLPURL         = "RELAY_OTLP_URL"
	EnvOTLPUsername    = "RELAY_OTLP_USERNAME"
	EnvOTLPPassword    = "RELAY_OTLP_PASSWORD"
	EnvAllowedOrigins  = "RELAY_ALLOWED_ORIGINS"
	EnvDebug           = "RELAY_DEBUG"
	EnvLogJSON         = "RELAY_LOG_JSON"
)

// Config holds everything needed to run the relay.
type Config struct {
	BindAddr string `yaml:"bind_addr"`
	// Postgres connection string (see lib/pq docs). Empty disables durable storage.
	DB string `yaml:"db"`

	JWTSecret       string        `yaml:"jwt_secret"`
	SupabaseURL     string        `yaml:"supabase_url"`
	SupabaseAnonKey string        `yaml:"supabase_anon_key"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	AuthCacheTTL    time.Duration `yaml:"auth_cache_ttl"`

	PresenceTimeout time.Duration `yaml:"presence_timeout"`
	ReaperInterval  time.Duration `yaml:"reaper_interval"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	SendBuffer      int           `yaml:"send_buffer"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	NATSURL string `yaml:"nats_url"`
	NodeID  string `yaml:"node_id"`

	PrometheusAddr string `yaml:"prometheus_addr"`
	SentryDSN      string `yaml:"sentry_dsn"`
	OTLPURL        string `yaml:"otlp_url"`
	OTLPUsername   string `yaml:"otlp_username"`
	OTLPPassword   string `yaml:"otlp_password"`

	Debug   bool `yaml:"debug"`
	LogJSON bool `yaml:"log_json"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		BindAddr:        "0.0.0.0:8009",
		AuthTimeout:     5 * time.Second,
		AuthCacheTTL:    time.Minute,
		PresenceTimeout: 5 * time.Minute,
		ReaperInterval:  time.Minute,
		PingInterval:    25 * time.Second,
		PongWait:        60 * time.Second,
		SendBuffer:      64,
		MaxMessageBytes: 64 * 1024,
	}
}

// LoadConfig reads the YAML file at path (if non-empty) on top of the defaults, then applies
// environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("LoadConfig: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("LoadConfig: failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	str(EnvBindAddr, &c.BindAddr)
	str(EnvDB, &c.DB)
	str(EnvJWTSecret, &c.JWTSecret)
	str(EnvSupabaseURL, &c.SupabaseURL)
	str(EnvSupabaseAnonKey, &c.SupabaseAnonKey)
	dur(EnvAuthTimeout, &c.AuthTimeout)
	dur(EnvAuthCacheTTL, &c.AuthCacheTTL)
	dur(EnvPresenceTimeout, &c.PresenceTimeout)
	dur(EnvReaperInterval, &c.ReaperInterval)
	dur(EnvPingInterval, &c.PingInterval)
	dur(EnvPongWait, &c.PongWait)
	if v, ok := lookup(EnvSendBuffer); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvSendBuffer, err))
		} else {
			c.SendBuffer = n
		}
	}
	if v, ok := lookup(EnvMaxMessageBytes); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxMessageBytes, err))
		} else {
			c.MaxMessageBytes = n
		}
	}
	if v, ok := lookup(EnvAllowedOrigins); ok && v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	str(EnvNATSURL, &c.NATSURL)
	str(EnvNodeID, &c.NodeID)
	str(EnvPrometheus, &c.PrometheusAddr)
	str(EnvSentryDSN, &c.SentryDSN)
	str(EnvOTLPURL, &c.OTLPURL)
	str(EnvOTLPUsername, &c.OTLPUsername)
	str(EnvOTLPPassword, &c.OTLPPassword)
	boolean(EnvDebug, &c.Debug)
	boolean(EnvLogJSON, &c.LogJSON)
	return errors.Join(errs...)
}

// Validate checks the config is usable for `serve`.
func (c *Config) Validate() error {
	var errs []error
	if c.BindAddr == "" {
		errs = append(errs, errors.New("bind_addr must be set"))
	}
	if c.JWTSecret == "" && c.SupabaseURL == "" {
		errs = append(errs, errors.New("one of jwt_secret or supabase_url must be set"))
	}
	if c.SupabaseURL != "" && c.SupabaseAnonKey == "" {
		errs = append(errs, errors.New("supabase_anon_key is required with supabase_url"))
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, errors.New("auth_timeout must be positive"))
	}
	if c.PresenceTimeout <= 0 {
		errs = append(errs, errors.New("presence_timeout must be positive"))
	}
	if c.ReaperInterval < 0 {
		errs = append(errs, errors.New("reaper_interval must not be negative"))
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		errs = append(errs, errors.New("ping_interval must be positive and less than pong_wait"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max_message_bytes must be positive"))
	}
	return errors.Join(errs...)
}
