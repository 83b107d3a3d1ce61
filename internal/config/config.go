package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/spawntrace/internal/logger"
	"github.com/loykin/spawntrace/internal/metrics"
	mobysignal "github.com/moby/sys/signal"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// SPAWNTRACE_SYSDIG_BINARY=/usr/local/bin/sysdig.
const EnvPrefix = "SPAWNTRACE"

// Provider names accepted in the provider key.
const (
	ProviderBPF    = "bpf"
	ProviderSysdig = "sysdig"
)

// Config is the top-level configuration of a traced run.
type Config struct {
	Provider string         `toml:"provider" mapstructure:"provider"`
	LogsDir  string         `toml:"logs_dir" mapstructure:"logs_dir"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Launcher LauncherConfig `toml:"launcher" mapstructure:"launcher"`
	Target   TargetConfig   `toml:"target" mapstructure:"target"`
	BPF      BPFConfig      `toml:"bpf" mapstructure:"bpf"`
	Sysdig   SysdigConfig   `toml:"sysdig" mapstructure:"sysdig"`
	Consumer ConsumerConfig `toml:"consumer" mapstructure:"consumer"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
}

type LogConfig struct {
	Path       string `toml:"path" mapstructure:"path"`
	Level      string `toml:"level" mapstructure:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Console    bool   `toml:"console" mapstructure:"console"`
}

type LauncherConfig struct {
	ResumeSignal   string        `toml:"resume_signal" mapstructure:"resume_signal"`
	ReadyTimeout   time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	TerminateGrace time.Duration `toml:"terminate_grace" mapstructure:"terminate_grace"`
}

type TargetConfig struct {
	Env     []string `toml:"env" mapstructure:"env"`
	WorkDir string   `toml:"workdir" mapstructure:"workdir"`
}

type BPFConfig struct {
	ObjectPath   string        `toml:"object_path" mapstructure:"object_path"`
	FollowForks  bool          `toml:"follow_forks" mapstructure:"follow_forks"`
	DrainTimeout time.Duration `toml:"drain_timeout" mapstructure:"drain_timeout"`
	EventBuffer  int           `toml:"event_buffer" mapstructure:"event_buffer"`
}

type SysdigConfig struct {
	Binary      string        `toml:"binary" mapstructure:"binary"`
	Snaplen     int           `toml:"snaplen" mapstructure:"snaplen"`
	ArmTimeout  time.Duration `toml:"arm_timeout" mapstructure:"arm_timeout"`
	StopGrace   time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	ExtraArgs   []string      `toml:"extra_args" mapstructure:"extra_args"`
	EventBuffer int           `toml:"event_buffer" mapstructure:"event_buffer"`
	FollowForks bool          `toml:"follow_forks" mapstructure:"follow_forks"`
}

type ConsumerConfig struct {
	MaxPayload int `toml:"max_payload" mapstructure:"max_payload"`
}

type MetricsConfig struct {
	Listen  string                `toml:"listen" mapstructure:"listen"`
	Sampler metrics.SamplerConfig `toml:"sampler" mapstructure:"sampler"`
}

// Default returns the built-in configuration.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// defaults only; cannot fail
	_ = v.Unmarshal(&c)
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderBPF)
	v.SetDefault("logs_dir", "logs")
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.console", true)
	v.SetDefault("launcher.resume_signal", "SIGUSR1")
	v.SetDefault("launcher.ready_timeout", 5*time.Second)
	v.SetDefault("launcher.terminate_grace", 2*time.Second)
	v.SetDefault("target.env", []string{})
	v.SetDefault("target.workdir", "")
	v.SetDefault("bpf.object_path", "bpf/spawntrace.bpf.o")
	v.SetDefault("bpf.follow_forks", true)
	v.SetDefault("bpf.drain_timeout", 200*time.Millisecond)
	v.SetDefault("bpf.event_buffer", 4096)
	v.SetDefault("sysdig.binary", "sysdig")
	v.SetDefault("sysdig.snaplen", 256)
	v.SetDefault("sysdig.arm_timeout", 10*time.Second)
	v.SetDefault("sysdig.stop_grace", 2*time.Second)
	v.SetDefault("sysdig.extra_args", []string{})
	v.SetDefault("sysdig.event_buffer", 4096)
	v.SetDefault("sysdig.follow_forks", true)
	v.SetDefault("consumer.max_payload", 1<<20)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sampler.enabled", false)
	v.SetDefault("metrics.sampler.interval", time.Second)
}

// Load reads an optional TOML file at path (empty means none), applies
// SPAWNTRACE_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderBPF, ProviderSysdig:
	default:
		errs = append(errs, fmt.Errorf("provider must be %q or %q, got %q", ProviderBPF, ProviderSysdig, c.Provider))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := mobysignal.ParseSignal(c.Launcher.ResumeSignal); err != nil {
		errs = append(errs, fmt.Errorf("launcher.resume_signal: %w", err))
	}
	if c.Launcher.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("launcher.ready_timeout must be positive"))
	}
	if c.Launcher.TerminateGrace < 0 {
		errs = append(errs, errors.New("launcher.terminate_grace must not be negative"))
	}
	for _, kv := range c.Target.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			errs = append(errs, fmt.Errorf("target.env entry %q must be KEY=VALUE", kv))
		}
	}
	if c.Provider == ProviderBPF && c.BPF.ObjectPath == "" {
		errs = append(errs, errors.New("bpf.object_path is required"))
	}
	if c.BPF.EventBuffer < 0 || c.Sysdig.EventBuffer < 0 {
		errs = append(errs, errors.New("event_buffer must not be negative"))
	}
	if c.Provider == ProviderSysdig && c.Sysdig.Binary == "" {
		errs = append(errs, errors.New("sysdig.binary is required"))
	}
	if c.Sysdig.Snaplen < 0 {
		errs = append(errs, errors.New("sysdig.snaplen must not be negative"))
	}
	if c.Consumer.MaxPayload < 0 {
		errs = append(errs, errors.New("consumer.max_payload must not be negative"))
	}
	return errors.Join(errs...)
}

// LogPath returns the configured run log path or the default
// <logs_dir>/logs_<unix>.txt.
func (c Config) LogPath(now time.Time) string {
	if c.Log.Path != "" {
		return c.Log.Path
	}
	return logger.DefaultPath(c.LogsDir, now)
}

// LoggerConfig converts the log section for the logger package.
func (c Config) LoggerConfig(now time.Time) logger.Config {
	return logger.Config{
		Path:       c.LogPath(now),
		Level:      c.Log.Level,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Console:    c.Log.Console,
	}
}
