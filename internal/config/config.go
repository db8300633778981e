// Package config loads the pnclient TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultPort           = 5222
	DefaultResource       = "AndroidpnClient"
	DefaultConnectTimeout = "10s"
	DefaultRequestTimeout = "10s"
	DefaultBackoffInitial = "10s"
	DefaultBackoffMax     = "10m"
	DefaultMultiplier     = 2.0
	DefaultWorkers        = 1
	DefaultBacklog        = 64
	DefaultStorePath      = "pnclient-state.toml"
	DefaultAdminAddr      = "127.0.0.1:8089"
)

var ErrInvalidConfig = errors.New("config: invalid")

type ClientConfig struct {
	XMPP    XMPPConfig    `toml:"xmpp"`
	Device  DeviceConfig  `toml:"device"`
	Backoff BackoffConfig `toml:"backoff"`
	Pool    PoolConfig    `toml:"pool"`
	Store   StoreConfig   `toml:"store"`
	Admin   AdminConfig   `toml:"admin"`
}

type XMPPConfig struct {
	Host           string    `toml:"host"`
	Port           int       `toml:"port"`
	ServiceName    string    `toml:"service_name"`
	Resource       string    `toml:"resource"`
	ConnectTimeout string    `toml:"connect_timeout"`
	RequestTimeout string    `toml:"request_timeout"`
	TLS            TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type DeviceConfig struct {
	IMSI string `toml:"imsi"`
	IMEI string `toml:"imei"`
}

type BackoffConfig struct {
	Initial    string  `toml:"initial"`
	Max        string  `toml:"max"`
	Multiplier float64 `toml:"multiplier"`
	Jitter     *bool   `toml:"jitter"`
}

type PoolConfig struct {
	Workers int `toml:"workers"`
	Backlog int `toml:"backlog"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// AdminConfig controls the local HTTP surface. Disabled turns it off. A
// non-empty Token is required as a bearer token on the control routes.
type AdminConfig struct {
	Addr        string   `toml:"addr"`
	Disabled    bool     `toml:"disabled"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	cfg.applyDefaults()
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (cfg *ClientConfig) applyDefaults() {
	if cfg.XMPP.Port == 0 {
		cfg.XMPP.Port = DefaultPort
	}
	if strings.TrimSpace(cfg.XMPP.Resource) == "" {
		cfg.XMPP.Resource = DefaultResource
	}
	if cfg.XMPP.ConnectTimeout == "" {
		cfg.XMPP.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.XMPP.RequestTimeout == "" {
		cfg.XMPP.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Backoff.Initial == "" {
		cfg.Backoff.Initial = DefaultBackoffInitial
	}
	if cfg.Backoff.Max == "" {
		cfg.Backoff.Max = DefaultBackoffMax
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = DefaultMultiplier
	}
	if cfg.Backoff.Jitter == nil {
		jitter := true
		cfg.Backoff.Jitter = &jitter
	}
	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = DefaultWorkers
	}
	if cfg.Pool.Backlog == 0 {
		cfg.Pool.Backlog = DefaultBacklog
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath
	}
	if strings.TrimSpace(cfg.Admin.Addr) == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.XMPP.Host) == "" {
		return fmt.Errorf("%w: xmpp.host is required", ErrInvalidConfig)
	}
	if cfg.XMPP.Port <= 0 || cfg.XMPP.Port > 65535 {
		return fmt.Errorf("%w: xmpp.port %d out of range", ErrInvalidConfig, cfg.XMPP.Port)
	}
	for name, raw := range map[string]string{
		"xmpp.connect_timeout": cfg.XMPP.ConnectTimeout,
		"xmpp.request_timeout": cfg.XMPP.RequestTimeout,
		"backoff.initial":      cfg.Backoff.Initial,
		"backoff.max":          cfg.Backoff.Max,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff.multiplier must be >= 1", ErrInvalidConfig)
	}
	if cfg.Pool.Workers < 1 {
		return fmt.Errorf("%w: pool.workers must be >= 1", ErrInvalidConfig)
	}
	if cfg.Pool.Backlog < 1 {
		return fmt.Errorf("%w: pool.backlog must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// Durations are validated at load, so the accessors ignore parse errors.

func (c XMPPConfig) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ConnectTimeout)
	return d
}

func (c XMPPConfig) RequestTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.RequestTimeout)
	return d
}

func (c BackoffConfig) InitialDuration() time.Duration {
	d, _ := time.ParseDuration(c.Initial)
	return d
}

func (c BackoffConfig) MaxDuration() time.Duration {
	d, _ := time.ParseDuration(c.Max)
	return d
}

func (c BackoffConfig) JitterEnabled() bool {
	return c.Jitter == nil || *c.Jitter
}
