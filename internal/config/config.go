package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svcmon/internal/build"
	"github.com/loykin/svcmon/internal/logger"
	"github.com/loykin/svcmon/internal/metrics"
	"github.com/loykin/svcmon/internal/slot"
	svctls "github.com/loykin/svcmon/internal/tls"
)

// EnvPrefix prefixes environment overrides: SVCMON_SERVER_LISTEN
// overrides server.listen.
const EnvPrefix = "SVCMON"

// Config represents the top-level TOML structure.
type Config struct {
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Notices    slot.Notices     `mapstructure:"notices"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        logger.Config    `mapstructure:"log"`
	History    []HistoryConfig  `mapstructure:"history"`
}

type SupervisorConfig struct {
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	KillWait     time.Duration `mapstructure:"kill_wait"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	BuildSuffix  string        `mapstructure:"build_suffix"`
	BuildExt     string        `mapstructure:"build_ext"`
}

// StoreConfig selects where the slot list is kept; see store/factory.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string        `mapstructure:"listen"`
	BasePath string        `mapstructure:"base_path"`
	TLS      svctls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	MaxHistory     int           `mapstructure:"max_history"`
}

// HistoryConfig adds one history sink; see history/factory.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	n := slot.DefaultNotices()
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("supervisor.stop_grace", slot.DefaultStopGrace)
	v.SetDefault("supervisor.kill_wait", slot.DefaultKillWait)
	v.SetDefault("supervisor.drain_timeout", slot.DefaultDrainTimeout)
	v.SetDefault("supervisor.build_suffix", build.DefaultSuffix)
	v.SetDefault("supervisor.build_ext", build.DefaultExt())
	v.SetDefault("notices.ready", n.Ready)
	v.SetDefault("notices.started", n.Started)
	v.SetDefault("notices.stopped", n.Stopped)
	v.SetDefault("notices.exited", n.Exited)
	v.SetDefault("store.dsn", "slots.toml")
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.sample_interval", 5*time.Second)
	v.SetDefault("metrics.max_history", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads path (TOML) over the defaults, then applies SVCMON_*
// environment overrides. An empty path uses defaults and environment only.
// Relative store and env file paths are resolved against the config
// file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolvePaths(base string) {
	dsn := c.Store.DSN
	if dsn != "" && !strings.Contains(dsn, "://") && !filepath.IsAbs(dsn) && dsn != ":memory:" {
		c.Store.DSN = filepath.Join(base, dsn)
	}
	for i, p := range c.EnvFiles {
		if !filepath.IsAbs(p) {
			c.EnvFiles[i] = filepath.Join(base, p)
		}
	}
	for _, p := range []*string{&c.Server.TLS.CertFile, &c.Server.TLS.KeyFile, &c.Server.TLS.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Supervisor.StopGrace <= 0 {
		errs = append(errs, errors.New("supervisor.stop_grace must be positive"))
	}
	if c.Supervisor.KillWait <= 0 {
		errs = append(errs, errors.New("supervisor.kill_wait must be positive"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for i, h := range c.History {
		if strings.TrimSpace(h.DSN) == "" {
			errs = append(errs, fmt.Errorf("history[%d].dsn is required", i))
		}
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("env entry %q must be KEY=VALUE", kv))
		}
	}
	return errors.Join(errs...)
}

// GlobalEnv returns the supervisor-wide variables: env files in order,
// then the env list, later entries overriding earlier ones.
func (c *Config) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return append(out, c.Env...), nil
}

func (c *Config) SlotOptions() slot.Options {
	n := c.Notices
	return slot.Options{
		StopGrace:    c.Supervisor.StopGrace,
		KillWait:     c.Supervisor.KillWait,
		DrainTimeout: c.Supervisor.DrainTimeout,
		Notices:      &n,
	}
}

func (c *Config) BuildOptions() build.Options {
	return build.Options{
		Suffix:    c.Supervisor.BuildSuffix,
		Ext:       c.Supervisor.BuildExt,
		StopGrace: c.Supervisor.StopGrace,
		KillWait:  c.Supervisor.KillWait,
	}
}

func (c *Config) SamplerConfig() metrics.SamplerConfig {
	return metrics.SamplerConfig{
		Enabled:    c.Metrics.Enabled,
		Interval:   c.Metrics.SampleInterval,
		MaxHistory: c.Metrics.MaxHistory,
	}
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export,
// no quotes) into "KEY=VALUE" entries in file order. Lines starting with #
// are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) != "" {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}
