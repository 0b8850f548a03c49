package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediacache/internal/core/types"
)

// LoadConfig loads configuration from a YAML file and applies defaults. A
// missing file yields the defaults.
func LoadConfig(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" && fileExists(configFile) {
		if err := LoadYAML(configFile, config); err != nil {
			return nil, err
		}
	}

	merged := mergeConfig(config, types.DefaultConfig())
	if err := Validate(merged); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}
	return merged, nil
}

// mergeConfig merges loaded config with defaults, with loaded values taking precedence
func mergeConfig(loaded *types.Config, defaults types.Config) *types.Config {
	result := types.Config{
		Debug: loaded.Debug,
		Cache: types.CacheConfig{
			Root:            coalesce(loaded.Cache.Root, defaults.Cache.Root),
			TotalBudget:     coalesce(loaded.Cache.TotalBudget, defaults.Cache.TotalBudget),
			CleanupPercent:  coalesce(loaded.Cache.CleanupPercent, defaults.Cache.CleanupPercent),
			MinTrimInterval: coalesce(loaded.Cache.MinTrimInterval, defaults.Cache.MinTrimInterval),
			MinFileLifetime: coalesce(loaded.Cache.MinFileLifetime, defaults.Cache.MinFileLifetime),
			TrimTimeBudget:  coalesce(loaded.Cache.TrimTimeBudget, defaults.Cache.TrimTimeBudget),
		},
		Download: types.DownloadConfig{
			Workers:        coalesce(loaded.Download.Workers, defaults.Download.Workers),
			ProbeTimeout:   coalesce(loaded.Download.ProbeTimeout, defaults.Download.ProbeTimeout),
			RequestTimeout: coalesce(loaded.Download.RequestTimeout, defaults.Download.RequestTimeout),
			RateLimit:      coalesce(loaded.Download.RateLimit, defaults.Download.RateLimit),
			Headers:        mergeHeaders(loaded.Download.Headers, defaults.Download.Headers),
			Sources:        loaded.Download.Sources,
		},
		Server: types.ServerConfig{
			Listen: coalesce(loaded.Server.Listen, defaults.Server.Listen),
		},
		S3: coalescePtr(loaded.S3, defaults.S3),
	}
	return &result
}

func coalesce[T comparable](loaded, defaultVal T) T {
	var zero T
	if loaded != zero {
		return loaded
	}
	return defaultVal
}

func coalescePtr[T any](loaded, defaultVal *T) *T {
	if loaded != nil {
		return loaded
	}
	return defaultVal
}

func mergeHeaders(loaded, defaults map[string]string) map[string]string {
	out := make(map[string]string, len(loaded)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range loaded {
		out[k] = v
	}
	return out
}

// Validate checks a merged configuration.
func Validate(cfg *types.Config) error {
	var errs []error

	if cfg.Cache.Root == "" {
		errs = append(errs, errors.New("cache.root is required"))
	}
	if cfg.Cache.CleanupPercent < 0 || cfg.Cache.CleanupPercent > 100 {
		errs = append(errs, fmt.Errorf("cache.cleanup_percent must be between 0 and 100, got %d", cfg.Cache.CleanupPercent))
	}
	if cfg.Download.Workers < 0 {
		errs = append(errs, fmt.Errorf("download.workers cannot be negative, got %d", cfg.Download.Workers))
	}

	durations := map[string]string{
		"cache.min_trim_interval":  cfg.Cache.MinTrimInterval,
		"cache.min_file_lifetime":  cfg.Cache.MinFileLifetime,
		"cache.trim_time_budget":   cfg.Cache.TrimTimeBudget,
		"download.probe_timeout":   cfg.Download.ProbeTimeout,
		"download.request_timeout": cfg.Download.RequestTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))
		}
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Download.Sources {
		host := strings.ToLower(strings.TrimSpace(s.Host))
		switch {
		case host == "":
			errs = append(errs, fmt.Errorf("download.sources[%d]: host is required", i))
		case seen[host]:
			errs = append(errs, fmt.Errorf("download.sources[%d]: duplicate host %q", i, s.Host))
		}
		seen[host] = true
	}

	return errors.Join(errs...)
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ResolveConfigPath resolves a config file path, checking common locations
func ResolveConfigPath(configFile string) string {
	if configFile != "" {
		if filepath.IsAbs(configFile) || fileExists(configFile) {
			return configFile
		}
	}

	commonPaths := []string{
		"config.yaml",
		"config.yml",
	}
	if dir, err := os.UserConfigDir(); err == nil {
		commonPaths = append(commonPaths, filepath.Join(dir, "mediacache", "config.yaml"))
	}
	commonPaths = append(commonPaths, "/etc/mediacache/config.yaml")

	for _, path := range commonPaths {
		if fileExists(path) {
			return path
		}
	}

	return configFile // Return original even if it doesn't exist
}
