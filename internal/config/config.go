// Package config loads bufferpoolctl's YAML configuration with viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the on-disk configuration for a standalone buffer pool
// instance: where its pages live, how many frames it holds, and where its
// write-ahead log lives.
type Config struct {
	Pool struct {
		Frames int `mapstructure:"frames"`
	} `mapstructure:"pool"`
	Storage struct {
		DataDir string `mapstructure:"data_dir"`
		WALDir  string `mapstructure:"wal_dir"`
	} `mapstructure:"storage"`
	Server struct {
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"server"`
}

// Default returns the configuration used when no config file is supplied.
func Default() *Config {
	var cfg Config
	cfg.Pool.Frames = 256
	cfg.Storage.DataDir = "./data"
	cfg.Storage.WALDir = "./data/wal"
	return &cfg
}

// Load reads and unmarshals the YAML config at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
