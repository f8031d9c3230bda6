// Package config loads opflow settings. Priority: flags > OPFLOW_* env vars >
// settings file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/opflow/internal/conversation"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/pkg/schema"
)

// EnvPrefix prefixes every environment override, e.g. OPFLOW_DB_PATH or
// OPFLOW_REDIS_ADDR.
const EnvPrefix = "OPFLOW"

// Config holds all opflow configuration.
type Config struct {
	DBPath             string        `mapstructure:"db_path"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	StrictTrigger      bool          `mapstructure:"strict_trigger"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	MaxConcurrentRuns  int           `mapstructure:"max_concurrent_runs"`

	Conversation struct {
		SafetyMargin time.Duration `mapstructure:"safety_margin"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"conversation"`

	// Redis enables cross-process conversation notifications when Addr is set.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	// Archive stores final run reports when BucketURL is set (mem://, file://).
	Archive struct {
		BucketURL string `mapstructure:"bucket_url"`
		Prefix    string `mapstructure:"prefix"`
	} `mapstructure:"archive"`

	Scheduler struct {
		Tick time.Duration `mapstructure:"tick"`
	} `mapstructure:"scheduler"`

	// Plugins are MCP servers whose tools back tool steps the built-in
	// registry does not serve. Only settable from the config file.
	Plugins []Plugin `mapstructure:"plugins"`
}

// Plugin launches one MCP server subprocess.
type Plugin struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

// Dir is the opflow home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

// SetDefaults registers every key with its default on v. Keys must be known
// to v for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(Dir(), "opflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("strict_trigger", false)
	v.SetDefault("default_step_timeout", schema.DefaultStepTimeout)
	v.SetDefault("max_concurrent_runs", 10)
	v.SetDefault("conversation.safety_margin", conversation.DefaultSafetyMargin)
	v.SetDefault("conversation.poll_interval", conversation.DefaultPollInterval)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("archive.bucket_url", "")
	v.SetDefault("archive.prefix", "reports/")
	v.SetDefault("scheduler.tick", scheduler.DefaultTick)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps flag names (dashes) to config keys (underscores). Flags
// that were not registered on fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", flag, err)
		}
	}
	return nil
}

// Load reads file, or settings.{yaml,json} from Dir() and the working
// directory when file is empty, and decodes the merged configuration.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.DefaultStepTimeout <= 0 {
		errs = append(errs, errors.New("default_step_timeout must be positive"))
	}
	if c.MaxConcurrentRuns <= 0 {
		errs = append(errs, errors.New("max_concurrent_runs must be positive"))
	}
	if c.Scheduler.Tick <= 0 {
		errs = append(errs, errors.New("scheduler.tick must be positive"))
	}
	if c.Conversation.PollInterval <= 0 {
		errs = append(errs, errors.New("conversation.poll_interval must be positive"))
	}
	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		switch {
		case p.Name == "" || p.Command == "":
			errs = append(errs, fmt.Errorf("plugins[%d] needs name and command", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("plugins[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
	}
	return errors.Join(errs...)
}

// RedisOptions converts the redis section for the conversation notifier.
func (c *Config) RedisOptions() conversation.RedisOptions {
	return conversation.RedisOptions{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB}
}
