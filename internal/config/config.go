// Package config handles loading and hot-reloading of the balancer
// configuration via Viper. All struct fields map 1-to-1 with tcplb.yaml; JSON
// files are accepted too. Every key can be overridden from the environment
// with the TCPLB_ prefix (TCPLB_LISTEN_ADDR, TCPLB_FORWARD_JOIN_TIMEOUT, ...),
// and LB_PORT overrides the listen port unless TCPLB_PORT is set. An invalid
// LB_PORT is ignored with a warning.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"tcplb/internal/strategy"
)

// BackendCfg is the file representation of a single backend endpoint.
type BackendCfg struct {
	Host   string `mapstructure:"host" json:"host"`
	Port   int    `mapstructure:"port" json:"port"`
	Weight int    `mapstructure:"weight" json:"weight"`
}

// Address returns host:port.
func (b BackendCfg) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// ForwardCfg tunes the per-connection relay.
type ForwardCfg struct {
	BufferSize  int    `mapstructure:"buffer_size"`
	DialTimeout string `mapstructure:"dial_timeout"`
	JoinTimeout string `mapstructure:"join_timeout"`
}

// ParsedDialTimeout returns the backend connect timeout, defaulting to 5s.
func (f ForwardCfg) ParsedDialTimeout() time.Duration {
	return parseDuration(f.DialTimeout, 5*time.Second)
}

// ParsedJoinTimeout returns the grace period for the second direction,
// defaulting to 500ms.
func (f ForwardCfg) ParsedJoinTimeout() time.Duration {
	return parseDuration(f.JoinTimeout, 500*time.Millisecond)
}

// LogCfg selects the slog handler.
type LogCfg struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | text
}

// SlogLevel maps Level to a slog.Level, defaulting to info.
func (l LogCfg) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// AuthCfg controls JWT Bearer-token authentication of the admin API.
type AuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`  // HMAC-SHA256 signing secret
	Exclude []string `mapstructure:"exclude"` // exact paths that bypass auth
}

// RateLimitCfg controls per-IP token-bucket limiting of the admin API.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AdminCfg controls the management HTTP server.
type AdminCfg struct {
	Enabled    bool         `mapstructure:"enabled"`
	ListenAddr string       `mapstructure:"listen_addr"`
	Auth       AuthCfg      `mapstructure:"auth"`
	RateLimit  RateLimitCfg `mapstructure:"rate_limit"`
}

// Config is the top-level balancer configuration.
type Config struct {
	ListenAddr   string       `mapstructure:"listen_addr"`
	Port         int          `mapstructure:"port"`     // overrides the port of ListenAddr when > 0
	Strategy     string       `mapstructure:"strategy"` // round_robin | random | least_connections | weighted_round_robin
	Backends     []BackendCfg `mapstructure:"backends"`
	BackendsFile string       `mapstructure:"backends_file"` // JSON array of {"host","port"}
	Forward      ForwardCfg   `mapstructure:"forward"`
	Log          LogCfg       `mapstructure:"log"`
	Admin        AdminCfg     `mapstructure:"admin"`
}

// Listen returns the effective listen address after applying Port.
func (c Config) Listen() string {
	if c.Port <= 0 {
		return c.ListenAddr
	}
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Default returns a runnable config with an empty backend pool.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Strategy:   strategy.NameRoundRobin,
		Forward: ForwardCfg{
			BufferSize:  8192,
			DialTimeout: "5s",
			JoinTimeout: "500ms",
		},
		Log: LogCfg{Level: "info", Format: "json"},
		Admin: AdminCfg{
			Enabled:    true,
			ListenAddr: ":9091",
			Auth:       AuthCfg{Exclude: []string{"/healthz", "/metrics"}},
			RateLimit:  RateLimitCfg{RPS: 20, Burst: 40},
		},
	}
}

// Load reads and validates the file at path using Viper.
// It returns the parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// FromEnv builds a Config from defaults and environment overrides only, for
// running without a config file.
func FromEnv() (Config, error) {
	return unmarshal(newViper(""))
}

// Watch registers an onChange callback that fires whenever the config file is
// saved. The callback receives a freshly parsed Config. Invalid reloads are
// logged and skipped (the previous config stays active).
func Watch(v *viper.Viper, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "file", e.Name, "error", err)
			return
		}
		slog.Info("config hot-reloaded",
			"file", e.Name,
			"backends", len(cfg.Backends),
			"strategy", cfg.Strategy,
		)
		onChange(cfg)
	})
	v.WatchConfig()
}

// LoadBackendsFile parses a JSON array of {"host": .., "port": ..} objects.
// A missing file yields an empty list.
func LoadBackendsFile(path string) ([]BackendCfg, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading backends file %q: %w", path, err)
	}
	var out []BackendCfg
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("config: parsing backends file %q: %w", path, err)
	}
	return out, nil
}

// BuildBackends converts config entries into runtime backends, preserving
// order.
func BuildBackends(cfgs []BackendCfg) ([]*strategy.Backend, error) {
	backends := make([]*strategy.Backend, 0, len(cfgs))
	for _, c := range cfgs {
		b, err := strategy.NewBackend(c.Host, c.Port, c.Weight)
		if err != nil {
			return nil, fmt.Errorf("config: backend %s: %w", c.Address(), err)
		}
		backends = append(backends, b)
	}
	return backends, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TCPLB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "TCPLB_PORT")

	// Defaults, overridable by tcplb.yaml or the environment.
	d := Default()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("port", 0)
	v.SetDefault("strategy", d.Strategy)
	v.SetDefault("backends_file", "")
	v.SetDefault("forward.buffer_size", d.Forward.BufferSize)
	v.SetDefault("forward.dial_timeout", d.Forward.DialTimeout)
	v.SetDefault("forward.join_timeout", d.Forward.JoinTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.listen_addr", d.Admin.ListenAddr)
	v.SetDefault("admin.auth.enabled", false)
	v.SetDefault("admin.auth.secret", "")
	v.SetDefault("admin.auth.exclude", d.Admin.Auth.Exclude)
	v.SetDefault("admin.rate_limit.enabled", false)
	v.SetDefault("admin.rate_limit.rps", d.Admin.RateLimit.RPS)
	v.SetDefault("admin.rate_limit.burst", d.Admin.RateLimit.Burst)

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if _, set := os.LookupEnv("TCPLB_PORT"); !set {
		if p := lbPort(); p > 0 {
			cfg.Port = p
		}
	}
	if cfg.BackendsFile != "" {
		extra, err := LoadBackendsFile(cfg.BackendsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Backends = append(cfg.Backends, extra...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Strategy = strategy.Canonical(cfg.Strategy)
	return cfg, nil
}

// Validate checks backend entries, the strategy name and the listen port.
// Missing weights and buffer sizes are filled with their defaults.
func (c *Config) Validate() error {
	if _, err := strategy.New(c.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Admin.Auth.Enabled && c.Admin.Auth.Secret == "" {
		return fmt.Errorf("config: admin.auth.enabled requires admin.auth.secret")
	}
	if c.Forward.BufferSize <= 0 {
		c.Forward.BufferSize = 8192
	}

	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.Host == "" {
			return fmt.Errorf("config: backend[%d] has empty host", i)
		}
		if b.Port < 1 || b.Port > 65535 {
			return fmt.Errorf("config: backend[%d] port %d out of range 1-65535", i, b.Port)
		}
		if _, dup := seen[b.Address()]; dup {
			return fmt.Errorf("config: backend[%d] %s is listed twice", i, b.Address())
		}
		seen[b.Address()] = struct{}{}
		if b.Weight <= 0 {
			c.Backends[i].Weight = 1
		}
	}
	return nil
}

// lbPort reads LB_PORT. A value that is not a port number is logged and
// ignored, leaving the configured port in place.
func lbPort() int {
	s := strings.TrimSpace(os.Getenv("LB_PORT"))
	if s == "" {
		return 0
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		slog.Warn("ignoring invalid LB_PORT, using configured port", "value", s)
		return 0
	}
	return p
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(s)
	if d <= 0 {
		return def
	}
	return d
}
