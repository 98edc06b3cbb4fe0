package config

// Package config provides a reusable loader for the archive engine's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sovereign-archive/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for one aggregator process. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		MaxConns       int      `mapstructure:"max_conns" json:"max_conns"`
		DialTimeoutMS  int      `mapstructure:"dial_timeout_ms" json:"dial_timeout_ms"`
		WakeupMS       int      `mapstructure:"wakeup_ms" json:"wakeup_ms"`
		IdleKeepaliveS int      `mapstructure:"idle_keepalive_s" json:"idle_keepalive_s"`
		BootstrapURLs  []string `mapstructure:"bootstrap_urls" json:"bootstrap_urls"`
	} `mapstructure:"network" json:"network"`

	Archive struct {
		BaseDir          string `mapstructure:"base_dir" json:"base_dir"`
		ShardCount       int    `mapstructure:"shard_count" json:"shard_count"`
		FlushThreshold   int    `mapstructure:"flush_threshold" json:"flush_threshold"`
		LowLatency       bool   `mapstructure:"low_latency" json:"low_latency"`
		DictionaryPath   string `mapstructure:"dictionary_path" json:"dictionary_path"`
		TombstonePath    string `mapstructure:"tombstone_path" json:"tombstone_path"`
		RegistryPath     string `mapstructure:"registry_path" json:"registry_path"`
		ResumeCursorPath string `mapstructure:"resume_cursor_path" json:"resume_cursor_path"`
	} `mapstructure:"archive" json:"archive"`

	Identity struct {
		CachePath     string `mapstructure:"cache_path" json:"cache_path"`
		Slots         uint64 `mapstructure:"slots" json:"slots"`
		DirectoryBase string `mapstructure:"directory_base" json:"directory_base"`
		TimeoutMS     int    `mapstructure:"timeout_ms" json:"timeout_ms"`
	} `mapstructure:"identity" json:"identity"`

	Relay struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		TailOnly   bool   `mapstructure:"tail_only" json:"tail_only"`
		RetryMS    int    `mapstructure:"retry_ms" json:"retry_ms"`
	} `mapstructure:"relay" json:"relay"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional .env overlay; absence is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ARCHIVE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ARCHIVE_ENV", ""))
}

// applyDefaults fills in zero-valued fields the YAML/env layer left unset,
// matching the component defaults documented alongside each subsystem
// (DefaultFanoutConfig, DefaultRelayConfig, defaultFlushThreshold).
func applyDefaults(c *Config) {
	if c.Network.MaxConns == 0 {
		c.Network.MaxConns = 256
	}
	if c.Network.DialTimeoutMS == 0 {
		c.Network.DialTimeoutMS = 10_000
	}
	if c.Network.WakeupMS == 0 {
		c.Network.WakeupMS = 5_000
	}
	if c.Network.IdleKeepaliveS == 0 {
		c.Network.IdleKeepaliveS = 20
	}
	if c.Archive.ShardCount == 0 {
		c.Archive.ShardCount = 16
	}
	if c.Archive.FlushThreshold == 0 {
		c.Archive.FlushThreshold = 50_000
	}
	if c.Identity.Slots == 0 {
		c.Identity.Slots = 150_000_000
	}
	if c.Identity.TimeoutMS == 0 {
		c.Identity.TimeoutMS = 5_000
	}
	if c.Relay.RetryMS == 0 {
		c.Relay.RetryMS = 200
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
