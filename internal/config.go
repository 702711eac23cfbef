package internal

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tuannm99/novacore/internal/engine"
	"github.com/tuannm99/novacore/pkg/logger"
)

type NovaCoreConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Dir        string `mapstructure:"dir"`
		Name       string `mapstructure:"name"`
		CacheBytes int64  `mapstructure:"cache_bytes"`
		ItemCache  int    `mapstructure:"item_cache"`
		EntryCache int    `mapstructure:"entry_cache"`
	} `mapstructure:"storage"`

	Log logger.Config `mapstructure:"log"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Txn struct {
		StatusCacheCounters int64 `mapstructure:"status_cache_counters"`
		StatusCacheCost     int64 `mapstructure:"status_cache_cost"`
	} `mapstructure:"txn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novacore")
	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.name", "novacore")
	v.SetDefault("storage.cache_bytes", engine.DefaultCacheBytes)
	v.SetDefault("storage.item_cache", engine.DefaultItemCache)
	v.SetDefault("storage.entry_cache", engine.DefaultEntryCache)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "stderr")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("txn.status_cache_counters", engine.DefaultStatusCacheCounters)
	v.SetDefault("txn.status_cache_cost", engine.DefaultStatusCacheCost)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOVACORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads a YAML file. Missing keys keep their defaults and every key
// can be overridden with NOVACORE_<SECTION>_<KEY>.
func LoadConfig(path string) (*NovaCoreConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshal(v)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() (*NovaCoreConfig, error) {
	return unmarshal(newViper())
}

func unmarshal(v *viper.Viper) (*NovaCoreConfig, error) {
	var cfg NovaCoreConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// EngineOptions maps the file-level settings onto engine options. Logger and
// metrics are attached by the caller.
func (c *NovaCoreConfig) EngineOptions() engine.Options {
	return engine.Options{
		Dir:                 c.Storage.Dir,
		Name:                c.Storage.Name,
		CacheBytes:          c.Storage.CacheBytes,
		ItemCache:           c.Storage.ItemCache,
		EntryCache:          c.Storage.EntryCache,
		StatusCacheCounters: c.Txn.StatusCacheCounters,
		StatusCacheCost:     c.Txn.StatusCacheCost,
	}
}
