// Package keyfsconfig loads keyfs.Engine configuration from YAML,
// layered the same way the teacher's mvcc/options.go layers functional
// options over defaultConfig(): a Config provides the base, and
// keyfs.Option values passed to keyfs.New override individual fields.
package keyfsconfig

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable base configuration for a keyfs.Engine.
type Config struct {
	// BaseDir is the filesystem root application side files are
	// relative to (spec §6).
	BaseDir string `yaml:"base_dir"`
	// CacheSize is a size for the Storage.GetChanges LRU (spec §4.6).
	// keyfs.New does not read it: the LRU is bounded by the cacheSize
	// argument given to memstore.New or sqlitestore.Open.
	CacheSize int `yaml:"cache_size"`
	// NotifierPollInterval is the notifier's fallback wake-up period
	// when it isn't woken earlier by a commit broadcast (spec §4.5).
	NotifierPollInterval time.Duration `yaml:"notifier_poll_interval"`
	// WriteLockWarnAfter logs a warning if a write transaction holds
	// the write lock longer than this (SPEC_FULL.md supplemented
	// feature #3, adapted from the teacher's deadlock.go idiom).
	WriteLockWarnAfter time.Duration `yaml:"write_lock_warn_after"`
	// StorageRetry configures the backoff.ExponentialBackOff wrapping
	// durability-critical storage calls. Zero value disables retries.
	StorageRetry StorageRetryConfig `yaml:"storage_retry"`
	// MaxConcurrentWalks bounds concurrent get_value_at changelog walks
	// via a golang.org/x/sync/semaphore; 0 means unbounded.
	MaxConcurrentWalks int `yaml:"max_concurrent_walks"`
}

// StorageRetryConfig configures the cenkalti/backoff/v4 wrapper.
type StorageRetryConfig struct {
	MaxElapsed time.Duration `yaml:"max_elapsed"`
	MaxRetries int           `yaml:"max_retries"`
}

// Default returns the baseline configuration, matching the teacher's
// defaultConfig() in shape (a plain struct literal of sane defaults).
func Default() Config {
	return Config{
		BaseDir:              ".",
		CacheSize:            256,
		NotifierPollInterval: 2 * time.Second,
		WriteLockWarnAfter:   30 * time.Second,
		StorageRetry:         StorageRetryConfig{MaxElapsed: 0, MaxRetries: 0},
		MaxConcurrentWalks:   0,
	}
}

// Load reads and parses a YAML config file, applying Default() for any
// field the file doesn't set by starting from the default and
// unmarshaling on top of it.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "keyfsconfig: read %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "keyfsconfig: parse %s", path)
	}
	return cfg, nil
}
