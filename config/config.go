// Package config loads broker and agent configuration from an optional YAML
// file plus RELAYDESK_-prefixed environment variables, env taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Log controls structured log output.
type Log struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error.
	File       string `mapstructure:"file"`        // Empty logs to stderr.
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // Rotation threshold.
	MaxBackups int    `mapstructure:"max_backups"`
}

// RateLimit carries the per-tier request budgets.
type RateLimit struct {
	FreePerMin       int `mapstructure:"free_per_min"`
	PremiumPerMin    int `mapstructure:"premium_per_min"`
	EnterprisePerMin int `mapstructure:"enterprise_per_min"`
	PerIPPerMin      int `mapstructure:"per_ip_per_min"`
}

// Circuit carries the per-user circuit breaker tuning.
type Circuit struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	ResetTimeoutMS   int `mapstructure:"reset_timeout_ms"`
}

// Broker is the cloud-side configuration.
type Broker struct {
	Listen        string `mapstructure:"listen"`
	WSPath        string `mapstructure:"ws_path"`
	MetricsListen string `mapstructure:"metrics_listen"` // Empty disables the metrics server.

	TokenIssuer     string `mapstructure:"token_issuer"`
	TokenAudience   string `mapstructure:"token_audience"`
	TokenHMACSecret string `mapstructure:"token_hmac_secret"`
	AdminToken      string `mapstructure:"admin_token"`

	PingIntervalMS        int   `mapstructure:"ping_interval_ms"`
	PongTimeoutMS         int   `mapstructure:"pong_timeout_ms"`
	MaxFrameBytes         int   `mapstructure:"max_frame_bytes"`
	RequestTimeoutMS      int   `mapstructure:"request_timeout_ms"`
	MaxBodyBytes          int64 `mapstructure:"max_body_bytes"`
	MaxChannelsPerSession int   `mapstructure:"max_channels_per_session"`
	IdleTimeoutMS         int   `mapstructure:"idle_timeout_ms"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	RateLimit RateLimit `mapstructure:"rate_limit"`
	Circuit   Circuit   `mapstructure:"circuit"`
	Log       Log       `mapstructure:"log"`
}

// Agent is the desktop-side configuration.
type Agent struct {
	TunnelWSURL    string `mapstructure:"tunnel_ws_url"`
	LocalOriginURL string `mapstructure:"local_origin_url"`

	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"` // Re-read on refresh; preferred over token.

	Profile          string `mapstructure:"profile"` // stable, unstable, low-bandwidth.
	PingTimeoutMS    int    `mapstructure:"ping_timeout_ms"`
	MaxFrameBytes    int    `mapstructure:"max_frame_bytes"`
	RequestTimeoutMS int    `mapstructure:"request_timeout_ms"`
	MaxConcurrent    int    `mapstructure:"max_concurrent"`

	QueuePath     string `mapstructure:"queue_path"`
	QueueMaxItems int    `mapstructure:"queue_max_items"` // 0 picks the profile default (50/100/200).
	QueueTTLMS    int    `mapstructure:"queue_ttl_ms"`

	MetricsListen string `mapstructure:"metrics_listen"` // Empty disables the metrics server.

	Log Log `mapstructure:"log"`
}

func defaultBroker() *Broker {
	return &Broker{
		Listen:                "127.0.0.1:8080",
		WSPath:                "/ws/tunnel",
		PingIntervalMS:        30_000,
		PongTimeoutMS:         45_000,
		MaxFrameBytes:         1 << 20,
		RequestTimeoutMS:      30_000,
		MaxBodyBytes:          10 << 20,
		MaxChannelsPerSession: 10,
		MetricsEnabled:        true,
		RateLimit: RateLimit{
			FreePerMin:       60,
			PremiumPerMin:    300,
			EnterprisePerMin: 1000,
			PerIPPerMin:      200,
		},
		Circuit: Circuit{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeoutMS:   30_000,
		},
		Log: Log{Level: "info", MaxSizeMB: 50, MaxBackups: 3},
	}
}

func defaultAgent() *Agent {
	return &Agent{
		Profile:          "stable",
		PingTimeoutMS:    90_000,
		MaxFrameBytes:    1 << 20,
		RequestTimeoutMS: 30_000,
		MaxConcurrent:    10,
		QueueTTLMS:       300_000,
		Log:              Log{Level: "info", MaxSizeMB: 20, MaxBackups: 2},
	}
}

func newViper(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAYDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}
	return v, nil
}

// bindEnv makes AutomaticEnv work for keys absent from the config file.
func bindEnv(v *viper.Viper, keys ...string) {
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func brokerViper(file string) (*viper.Viper, error) {
	v, err := newViper(file)
	if err != nil {
		return nil, err
	}
	bindEnv(v,
		"listen", "ws_path", "metrics_listen",
		"token_issuer", "token_audience", "token_hmac_secret", "admin_token",
		"ping_interval_ms", "pong_timeout_ms", "max_frame_bytes",
		"request_timeout_ms", "max_body_bytes", "max_channels_per_session",
		"idle_timeout_ms", "metrics_enabled",
		"rate_limit.free_per_min", "rate_limit.premium_per_min",
		"rate_limit.enterprise_per_min", "rate_limit.per_ip_per_min",
		"circuit.failure_threshold", "circuit.success_threshold", "circuit.reset_timeout_ms",
		"log.level", "log.file", "log.max_size_mb", "log.max_backups",
	)
	return v, nil
}

func decodeBroker(v *viper.Viper) (*Broker, error) {
	cfg := defaultBroker()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding broker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBroker reads broker configuration. file may be empty.
func LoadBroker(file string) (*Broker, error) {
	v, err := brokerViper(file)
	if err != nil {
		return nil, err
	}
	return decodeBroker(v)
}

// WatchBroker re-reads file whenever it changes and hands fn the result. An
// edit that fails validation is delivered as an error so the caller can keep
// the previous configuration.
func WatchBroker(file string, fn func(*Broker, error)) error {
	if file == "" {
		return errors.New("config: watching requires a config file")
	}
	v, err := brokerViper(file)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		fn(decodeBroker(v))
	})
	v.WatchConfig()
	return nil
}

// LoadAgent reads agent configuration. file may be empty.
func LoadAgent(file string) (*Agent, error) {
	v, err := newViper(file)
	if err != nil {
		return nil, err
	}
	bindEnv(v,
		"tunnel_ws_url", "local_origin_url", "token", "token_file",
		"profile", "ping_timeout_ms", "max_frame_bytes", "request_timeout_ms",
		"max_concurrent", "queue_path", "queue_max_items", "queue_ttl_ms",
		"metrics_listen",
		"log.level", "log.file", "log.max_size_mb", "log.max_backups",
	)
	cfg := defaultAgent()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces cross-field constraints the broker depends on.
func (c *Broker) Validate() error {
	if c.TokenIssuer == "" {
		return errors.New("config: token_issuer is required")
	}
	if c.TokenAudience == "" {
		return errors.New("config: token_audience is required")
	}
	if c.TokenHMACSecret == "" {
		return errors.New("config: token_hmac_secret is required")
	}
	if len(c.TokenHMACSecret) < 32 {
		return errors.New("config: token_hmac_secret must be at least 32 bytes")
	}
	if c.PingIntervalMS <= 0 || c.PongTimeoutMS <= 0 {
		return errors.New("config: ping_interval_ms and pong_timeout_ms must be positive")
	}
	// A pong window shorter than 1.5 ping intervals flaps on a single lost frame.
	if float64(c.PongTimeoutMS) < 1.5*float64(c.PingIntervalMS) {
		return fmt.Errorf("config: pong_timeout_ms (%d) must be at least 1.5x ping_interval_ms (%d)",
			c.PongTimeoutMS, c.PingIntervalMS)
	}
	if c.MaxFrameBytes <= 0 {
		return errors.New("config: max_frame_bytes must be positive")
	}
	return nil
}

// Validate enforces the agent's required fields.
func (c *Agent) Validate() error {
	if c.TunnelWSURL == "" {
		return errors.New("config: tunnel_ws_url is required")
	}
	if !strings.HasPrefix(c.TunnelWSURL, "ws://") && !strings.HasPrefix(c.TunnelWSURL, "wss://") {
		return errors.New("config: tunnel_ws_url must be a ws:// or wss:// URL")
	}
	if c.LocalOriginURL == "" {
		return errors.New("config: local_origin_url is required")
	}
	if c.Token == "" && c.TokenFile == "" {
		return errors.New("config: one of token or token_file is required")
	}
	switch c.Profile {
	case "stable", "unstable", "low-bandwidth":
	default:
		return fmt.Errorf("config: unknown profile %q", c.Profile)
	}
	return nil
}

// Duration helpers keep millisecond config fields ergonomic at call sites.

func (c *Broker) PingInterval() time.Duration   { return time.Duration(c.PingIntervalMS) * time.Millisecond }
func (c *Broker) PongTimeout() time.Duration    { return time.Duration(c.PongTimeoutMS) * time.Millisecond }
func (c *Broker) RequestTimeout() time.Duration { return time.Duration(c.RequestTimeoutMS) * time.Millisecond }
func (c *Broker) IdleTimeout() time.Duration    { return time.Duration(c.IdleTimeoutMS) * time.Millisecond }
func (c *Circuit) ResetTimeout() time.Duration  { return time.Duration(c.ResetTimeoutMS) * time.Millisecond }

func (c *Agent) PingTimeout() time.Duration    { return time.Duration(c.PingTimeoutMS) * time.Millisecond }
func (c *Agent) RequestTimeout() time.Duration { return time.Duration(c.RequestTimeoutMS) * time.Millisecond }
func (c *Agent) QueueTTL() time.Duration       { return time.Duration(c.QueueTTLMS) * time.Millisecond }
