package coremain

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mandiear/offline-cache/mlog"
	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/prioritizer"
	"github.com/mandiear/offline-cache/pkg/sync_engine"
	"github.com/mandiear/offline-cache/pkg/utils"
)

const envPrefix = "OFFLINE_CACHE"

type Config struct {
	Log         mlog.LogConfig                `yaml:"log"`
	Store       StoreConfig                   `yaml:"store"`
	Upstream    UpstreamConfig                `yaml:"upstream"`
	Sync        sync_engine.SyncConfiguration `yaml:"sync"`
	Prioritizer prioritizer.Config            `yaml:"prioritizer"`
	Jobs        JobsConfig                    `yaml:"jobs"`
	API         APIConfig                     `yaml:"api"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type UpstreamConfig struct {
	// Endpoints lists the source URLs of every data type.
	Endpoints     map[model.DataType][]string `yaml:"endpoints"`
	TimeoutSec    int                         `yaml:"timeout_sec"`
	MaxBodySizeMB int                         `yaml:"max_body_size_mb"`
	Probe         ProbeConfig                 `yaml:"probe"`
}

// ProbeConfig configures the reachability probe. An empty URL assumes
// good connectivity.
type ProbeConfig struct {
	URL                 string `yaml:"url"`
	TimeoutSec          int    `yaml:"timeout_sec"`
	GoodThresholdMS     int    `yaml:"good_threshold_ms"`
	ModerateThresholdMS int    `yaml:"moderate_threshold_ms"`
}

// JobsConfig selects where preparation snapshots live. A non-empty
// RedisURL shares them between processes.
type JobsConfig struct {
	RedisURL       string `yaml:"redis_url"`
	RedisTimeoutMS int    `yaml:"redis_timeout_ms"`
	KeyPrefix      string `yaml:"key_prefix"`
	MemSize        int    `yaml:"mem_size"`
}

type APIConfig struct {
	HTTP          string `yaml:"http"`
	MaxConns      int    `yaml:"max_conns"`
	ProxyProtocol bool   `yaml:"proxy_protocol"`
	SrcIPHeader   string `yaml:"src_ip_header"`
	MaxBodySizeKB int    `yaml:"max_body_size_kb"`
	// BackgroundSync starts the sync loop with the daemon.
	BackgroundSync *bool `yaml:"background_sync"`
}

func (c *Config) setDefaults() {
	utils.SetDefaultString(&c.Log.Level, "info")
	utils.SetDefaultString(&c.Store.Path, "offline-cache.db")
	utils.SetDefaultNum(&c.Store.BusyTimeoutMS, 5000)
	utils.SetDefaultNum(&c.Upstream.TimeoutSec, 30)
	utils.SetDefaultNum(&c.Upstream.MaxBodySizeMB, 16)
	utils.SetDefaultNum(&c.Upstream.Probe.TimeoutSec, 5)
	utils.SetDefaultNum(&c.Upstream.Probe.GoodThresholdMS, 1000)
	utils.SetDefaultNum(&c.Upstream.Probe.ModerateThresholdMS, 3000)
	c.Sync.SetDefaults()
	c.Prioritizer.SetDefaults()
	utils.SetDefaultNum(&c.Jobs.RedisTimeoutMS, 1000)
	utils.SetDefaultNum(&c.Jobs.MemSize, 4096)
	utils.SetDefaultString(&c.API.HTTP, "127.0.0.1:8080")
	utils.SetDefaultNum(&c.API.MaxBodySizeKB, 4096)
	if c.API.BackgroundSync == nil {
		on := true
		c.API.BackgroundSync = &on
	}
}

func (c *Config) validate() error {
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	for dt := range c.Upstream.Endpoints {
		if !dt.Valid() {
			return fmt.Errorf("upstream: %w: unknown data type %q", model.ErrInvalidArgument, dt)
		}
	}
	if c.Upstream.Probe.GoodThresholdMS > c.Upstream.Probe.ModerateThresholdMS {
		return fmt.Errorf("upstream: %w: good threshold above moderate threshold", model.ErrInvalidArgument)
	}
	return nil
}

func defaultConfig() *Config {
	c := &Config{Sync: sync_engine.DefaultConfiguration()}
	c.setDefaults()
	return c
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
// Without any file the defaults are used. Environment variables
// OFFLINE_CACHE_<SECTION>_<KEY> override scalar keys.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
		cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// envKeys are the keys that can be set from the environment without
// appearing in the config file.
var envKeys = []string{
	"log.level",
	"log.file",
	"log.production",
	"store.path",
	"upstream.probe.url",
	"jobs.redis_url",
	"api.http",
	"api.max_conns",
	"api.proxy_protocol",
	"api.src_ip_header",
	"api.background_sync",
	"sync.sync_interval_minutes",
	"sync.priority_data_interval_minutes",
	"sync.max_cache_size_mb",
}

func bindEnvKeys(v *viper.Viper) {
	for _, k := range envKeys {
		_ = v.BindEnv(k) // only fails without a key
	}
}

// writeDefaultConfig writes the default config as yaml to path. It never
// overwrites an existing file.
func writeDefaultConfig(path string) error {
	b, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *Config) storeBusyTimeout() time.Duration {
	return time.Duration(c.Store.BusyTimeoutMS) * time.Millisecond
}
