package main

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pagecached/pagecached/pkg/cache"
	"github.com/pagecached/pagecached/pkg/logging"
	"github.com/pagecached/pagecached/pkg/policy"
	"github.com/pagecached/pagecached/pkg/server"
)

// Config is the daemon configuration, read from an optional YAML file
// and PAGECACHED_* environment variables.
type Config struct {
	Listen string         `mapstructure:"listen"`
	Origin string         `mapstructure:"origin"`
	Log    logging.Config `mapstructure:"log"`

	Cache struct {
		Root           string              `mapstructure:"root"`
		IndexDSN       string              `mapstructure:"index_dsn"`
		PruneInterval  time.Duration       `mapstructure:"prune_interval"`
		PruneBatchSize int                 `mapstructure:"prune_batch_size"`
		StatsGrace     time.Duration       `mapstructure:"stats_grace"`
		Stores         []cache.StoreConfig `mapstructure:"stores"`
	} `mapstructure:"cache"`

	Tier struct {
		Kind       string        `mapstructure:"kind"` // "none", "memory", "redis"
		RedisAddr  string        `mapstructure:"redis_addr"`
		MaxEntries int           `mapstructure:"max_entries"`
		TTL        time.Duration `mapstructure:"ttl"`
	} `mapstructure:"tier"`

	Policy struct {
		Mode  string         `mapstructure:"mode"`
		Rules []*policy.Rule `mapstructure:"rules"`
	} `mapstructure:"policy"`

	Serve struct {
		BypassParam string              `mapstructure:"bypass_param"`
		ContentType string              `mapstructure:"content_type"`
		Transforms  []*server.Transform `mapstructure:"transforms"`
	} `mapstructure:"serve"`
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAGECACHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("pagecached")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pagecached")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Env-only keys must carry a default so AutomaticEnv can bind them
	v.SetDefault("origin", "")
	v.SetDefault("listen", ":8080")
	v.SetDefault("cache.root", "./cache")
	v.SetDefault("cache.index_dsn", "")
	v.SetDefault("tier.redis_addr", "")
	v.SetDefault("cache.prune_interval", "30m")
	v.SetDefault("cache.prune_batch_size", 100)
	v.SetDefault("cache.stats_grace", "60s")
	v.SetDefault("tier.kind", "memory")
	v.SetDefault("tier.max_entries", 1024)
	v.SetDefault("tier.ttl", "5m")
	v.SetDefault("policy.mode", "exclude")
	v.SetDefault("serve.bypass_param", "nocache")
	v.SetDefault("serve.content_type", "text/html; charset=utf-8")
	v.SetDefault("log.level", "info")
}

func applyDefaults(cfg *Config) {
	if cfg.Cache.IndexDSN == "" {
		cfg.Cache.IndexDSN = filepath.Join(cfg.Cache.Root, "index.db")
	}
	if len(cfg.Cache.Stores) == 0 {
		cfg.Cache.Stores = []cache.StoreConfig{
			{
				Module:      "page",
				Store:       "html",
				FileExt:     ".html",
				Expire:      24 * time.Hour,
				Compress:    true,
				StaticGzip:  true,
				Accelerated: cfg.Tier.Kind != "none" && cfg.Tier.Kind != "",
			},
		}
	}
}

// Validate checks the daemon configuration.
func (c *Config) Validate() error {
	if c.Origin == "" {
		return fmt.Errorf("origin URL is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid origin URL %q", c.Origin)
	}

	switch c.Tier.Kind {
	case "", "none", "memory":
	case "redis":
		if c.Tier.RedisAddr == "" {
			return fmt.Errorf("tier.redis_addr is required for the redis tier")
		}
	default:
		return fmt.Errorf("unknown tier kind %q", c.Tier.Kind)
	}

	switch policy.Mode(c.Policy.Mode) {
	case policy.ModeInclude, policy.ModeExclude:
	default:
		return fmt.Errorf("unknown policy mode %q", c.Policy.Mode)
	}
	return nil
}
