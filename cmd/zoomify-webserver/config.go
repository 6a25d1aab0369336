// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the tunables of the webserver. Everything is optional;
// a missing config file gives the defaults.
type Config struct {
	Quality        int    `toml:"quality"`
	PoolSize       int    `toml:"pool_size"`
	PartCacheSize  int    `toml:"part_cache_size"`
	ImageCacheSize int    `toml:"image_cache_size"`
	MaxAge         int    `toml:"max_age"` // seconds
	Bucket         string `toml:"bucket"`
	ReloadInterval int    `toml:"reload_interval"` // seconds
	LogDir         string `toml:"log_dir"`
}

func defaultConfig() *Config {
	return &Config{
		Quality:        85,
		PoolSize:       50,
		PartCacheSize:  4096,
		ImageCacheSize: 64,
		MaxAge:         86400,
		Bucket:         "zoomify",
		ReloadInterval: 30,
		LogDir:         "logs",
	}
}

func (c *Config) MaxAgeDuration() time.Duration {
	return time.Duration(c.MaxAge) * time.Second
}

func (c *Config) ReloadDuration() time.Duration {
	if c.ReloadInterval > 0 {
		return time.Duration(c.ReloadInterval) * time.Second
	}
	return 30 * time.Second
}

func (c *Config) validate() error {
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("quality must be in 1..100, got %d", c.Quality)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.PartCacheSize < 1 || c.ImageCacheSize < 1 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max_age must not be negative, got %d", c.MaxAge)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}
