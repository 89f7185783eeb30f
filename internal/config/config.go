// Package config loads service configuration from an optional YAML file
// and TAGD_* environment variables, env taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/evetools/tagd/internal/schedule"
	"github.com/evetools/tagd/internal/sourcecache"
	"github.com/spf13/viper"
)

// Backup holds object storage settings; backups are disabled while the
// endpoint is empty
type Backup struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// Config is the full service configuration
type Config struct {
	Listen             string        `mapstructure:"listen"`
	DBPath             string        `mapstructure:"db_path"`
	ActorName          string        `mapstructure:"actor_name"`
	SourceProviderURL  string        `mapstructure:"source_provider_url"`
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	PositiveCacheTTL   time.Duration `mapstructure:"positive_cache_ttl"`
	NegativeCacheTTL   time.Duration `mapstructure:"negative_cache_ttl"`
	CacheEnabled       bool          `mapstructure:"cache_enabled"`
	Backup             Backup        `mapstructure:"backup"`
}

// Load reads configuration, optionally from the YAML file at path. With an
// empty path only defaults and TAGD_* environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", "0.0.0.0:8080")
	v.SetDefault("db_path", "tagd.db")
	v.SetDefault("actor_name", "default")
	v.SetDefault("source_provider_url", "")
	v.SetDefault("evaluation_interval", schedule.DefaultInterval)
	v.SetDefault("batch_size", schedule.DefaultBatchSize)
	v.SetDefault("positive_cache_ttl", sourcecache.DefaultPositiveTTL)
	v.SetDefault("negative_cache_ttl", sourcecache.DefaultNegativeTTL)
	v.SetDefault("cache_enabled", true)

	// Empty defaults so environment overrides are visible to Unmarshal.
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.access_key", "")
	v.SetDefault("backup.secret_key", "")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.prefix", "")

	v.SetEnvPrefix("TAGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.SourceProviderURL == "" {
		return nil, fmt.Errorf("source_provider_url is required")
	}
	return &cfg, nil
}
