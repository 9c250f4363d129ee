// Package config holds the git-cdn process configuration. Everything is
// environment driven; a bad configuration fails startup before any
// listener is bound.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gitlab.com/gitlab-org/git-cdn/internal/helper/duration"
)

// Config is the full process configuration.
type Config struct {
	// Upstream is the base URL of the upstream Git server.
	Upstream string `envconfig:"GITSERVER_UPSTREAM" required:"true"`
	// WorkingDirectory is the cache root: mirrors, pack cache and LFS
	// cache all live below it. May be shared between worker processes.
	WorkingDirectory string `envconfig:"WORKING_DIRECTORY" default:"/tmp/workdir"`

	ListenAddr           string `envconfig:"LISTEN_ADDR" default:":8000"`
	PrometheusListenAddr string `envconfig:"PROMETHEUS_LISTEN_ADDR"`

	// MaxConnections bounds the upstream connection pool.
	MaxConnections int `envconfig:"MAX_CONNECTIONS" default:"10"`
	// MaxUploadPacks bounds concurrently running git-upload-pack
	// processes; 0 means unbounded.
	MaxUploadPacks int `envconfig:"MAX_UPLOAD_PACKS" default:"0"`

	PackCacheSizeGB     int `envconfig:"PACK_CACHE_SIZE_GB" default:"20"`
	PackCacheMaxAgeDays int `envconfig:"PACK_CACHE_MAX_AGE_DAYS" default:"0"`
	LFSCacheSizeGB      int `envconfig:"LFS_CACHE_SIZE_GB" default:"20"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	SentryDSN string `envconfig:"SENTRY_DSN"`

	// MirrorTTL is how long a mirror counts as fresh. The default of 0
	// refreshes before every pack production; concurrent arrivals still
	// coalesce on the mirror lock.
	MirrorTTL duration.Duration `envconfig:"MIRROR_TTL" default:"0s"`

	UpstreamConnectTimeout  duration.Duration `envconfig:"UPSTREAM_CONNECT_TIMEOUT" default:"30s"`
	UpstreamPackReadTimeout duration.Duration `envconfig:"UPSTREAM_PACK_READ_TIMEOUT" default:"1h"`
	UpstreamLFSReadTimeout  duration.Duration `envconfig:"UPSTREAM_LFS_READ_TIMEOUT" default:"10m"`
	GitProcessTimeout       duration.Duration `envconfig:"GIT_PROCESS_TIMEOUT" default:"1h"`
	LockTimeout             duration.Duration `envconfig:"LOCK_TIMEOUT" default:"5m"`

	// BackoffStart and BackoffCount tune the mirror fetch retries: the
	// delay before the first retry and the total number of attempts.
	BackoffStart duration.Duration `envconfig:"BACKOFF_START" default:"500ms"`
	BackoffCount int               `envconfig:"BACKOFF_COUNT" default:"2"`
}

// Load reads and validates the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return fmt.Errorf("GITSERVER_UPSTREAM: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("GITSERVER_UPSTREAM must be an http(s) URL, got %q", c.Upstream)
	}
	if c.WorkingDirectory == "" {
		return fmt.Errorf("WORKING_DIRECTORY must not be empty")
	}
	if c.PackCacheSizeGB < 1 {
		return fmt.Errorf("PACK_CACHE_SIZE_GB must be at least 1")
	}
	if c.LFSCacheSizeGB < 1 {
		return fmt.Errorf("LFS_CACHE_SIZE_GB must be at least 1")
	}
	return nil
}

// GitRoot is the directory holding the bare mirror clones.
func (c Config) GitRoot() string { return filepath.Join(c.WorkingDirectory, "git") }

// PackCacheDir is the directory holding cached pack streams.
func (c Config) PackCacheDir() string { return filepath.Join(c.WorkingDirectory, "pack_cache") }

// LFSCacheDir is the directory holding cached LFS objects.
func (c Config) LFSCacheDir() string { return filepath.Join(c.WorkingDirectory, "lfs") }

// PackCacheMaxBytes converts the configured gigabytes into the byte bound
// for the eviction pass. Half a gigabyte of headroom keeps the cache from
// overshooting its budget between passes.
func (c Config) PackCacheMaxBytes() int64 {
	return (int64(c.PackCacheSizeGB)*1024 - 512) * 1024 * 1024
}

// LFSCacheMaxBytes is the byte bound of the LFS cache.
func (c Config) LFSCacheMaxBytes() int64 {
	return (int64(c.LFSCacheSizeGB)*1024 - 512) * 1024 * 1024
}

// PackCacheMaxAge is the maximum age of a pack cache entry; 0 disables the
// age bound.
func (c Config) PackCacheMaxAge() time.Duration {
	return time.Duration(c.PackCacheMaxAgeDays) * 24 * time.Hour
}
