// Package config loads engine settings from a yaml file via viper. Every
// field has a default, so a missing file is not an error unless a path was
// given explicitly.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type PolyDBConfig struct {
	AppName string `mapstructure:"app_name"`

	Storage struct {
		Workdir    string `mapstructure:"workdir"`
		PageSize   int    `mapstructure:"page_size"`
		CacheBytes int64  `mapstructure:"cache_bytes"`
		MaxPages   int    `mapstructure:"max_pages"`
	} `mapstructure:"storage"`

	Console struct {
		Prompt string `mapstructure:"prompt"`
		Debug  bool   `mapstructure:"debug"`
	} `mapstructure:"console"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("app_name", "polydb")
	v.SetDefault("storage.workdir", "./data")
	v.SetDefault("storage.page_size", 4096)
	v.SetDefault("storage.cache_bytes", 32<<20)
	v.SetDefault("storage.max_pages", 0)
	v.SetDefault("console.prompt", "polydb> ")
	v.SetDefault("console.debug", false)
}

// LoadConfig reads path into a PolyDBConfig. An empty path returns the
// defaults.
func LoadConfig(path string) (*PolyDBConfig, error) {
	v := viper.New()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg PolyDBConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
