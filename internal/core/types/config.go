package types

import (
	"runtime"
	"time"
)

// Config is the top-level configuration structure
type Config struct {
	Debug    bool           `yaml:"debug"`
	Cache    CacheConfig    `yaml:"cache"`
	Download DownloadConfig `yaml:"download"`
	Server   ServerConfig   `yaml:"server"`
	S3       *S3Config      `yaml:"s3,omitempty"`
}

// ServerConfig holds settings of the local control API
type ServerConfig struct {
	Listen string `yaml:"listen"` // host:port the API binds to
}

// CacheConfig holds disk cache settings shared by every category
type CacheConfig struct {
	Root            string `yaml:"root"`              // Directory holding one sub-directory per category
	TotalBudget     Bytes  `yaml:"total_budget"`      // Disk budget split between categories
	CleanupPercent  int    `yaml:"cleanup_percent"`   // Extra share of the current size freed by a trim
	MinTrimInterval string `yaml:"min_trim_interval"` // Minimum time between two trims of a category
	MinFileLifetime string `yaml:"min_file_lifetime"` // Entries younger than this are never evicted
	TrimTimeBudget  string `yaml:"trim_time_budget"`  // Wall-clock budget of one trim pass
}

// DownloadConfig holds downloader settings
type DownloadConfig struct {
	Workers        int               `yaml:"workers"`         // Size of the worker pool (0 = max(4, cores/2))
	ProbeTimeout   string            `yaml:"probe_timeout"`   // Timeout of the partial-content probe
	RequestTimeout string            `yaml:"request_timeout"` // Timeout of one full transfer (0 = none)
	RateLimit      Bytes             `yaml:"rate_limit"`      // Bytes per second across all transfers (0 = unlimited)
	Headers        map[string]string `yaml:"headers"`         // Headers sent with every request
	Sources        []SourceConfig    `yaml:"sources"`         // Per-host download properties
}

// SourceConfig describes how far a content host can be trusted
type SourceConfig struct {
	Host      string `yaml:"host"`
	Chunked   bool   `yaml:"chunked"`    // Host may be split into range requests
	TrustSize bool   `yaml:"trust_size"` // Reported file sizes are correct
	TrustHash bool   `yaml:"trust_hash"` // Reported file hashes are correct
}

// S3Config holds settings for s3:// sources
type S3Config struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`
}

// ParseDuration parses a duration string with fallback to default
func ParseDuration(durationStr string, defaultDuration time.Duration) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	if dur, err := time.ParseDuration(durationStr); err == nil {
		return dur
	}
	return defaultDuration
}

// DefaultWorkers returns max(4, cores/2).
func DefaultWorkers() int {
	return max(4, runtime.NumCPU()/2)
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Root:            "mediacache",
		TotalBudget:     Bytes(512 * 1024 * 1024), // 512MiB
		CleanupPercent:  25,
		MinTrimInterval: "5s",
		MinFileLifetime: "1m",
		TrimTimeBudget:  "3s",
	}
}

// DefaultDownloadConfig returns default downloader configuration
func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		Workers:        DefaultWorkers(),
		ProbeTimeout:   "1s",
		RequestTimeout: "5m",
		RateLimit:      0, // No limit
		Headers:        make(map[string]string),
	}
}

// DefaultServerConfig returns default control API configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen: "127.0.0.1:8686",
	}
}

// DefaultConfig returns the full default configuration
func DefaultConfig() Config {
	return Config{
		Cache:    DefaultCacheConfig(),
		Download: DefaultDownloadConfig(),
		Server:   DefaultServerConfig(),
	}
}
