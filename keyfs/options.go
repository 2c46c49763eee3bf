package keyfs

import (
	"time"

	"github.com/devpi/keyfs/keyfsconfig"
	"github.com/devpi/keyfs/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// engineConfig is the resolved configuration an Engine is built from:
// keyfsconfig.Config as the base, with Option values layered on top,
// mirroring the teacher's defaultConfig()-then-functional-options
// pattern in mvcc/options.go.
type engineConfig struct {
	cfg      keyfsconfig.Config
	logger   *zap.Logger
	codec    Codec
	registry *prometheus.Registry
	readOnly bool
}

func defaultEngineConfig() engineConfig {
	logger, _ := zap.NewProduction()
	return engineConfig{
		cfg:    keyfsconfig.Default(),
		logger: logger,
		codec:  NewMsgpackCodec(),
	}
}

// Option configures an Engine at construction, the same role
// mvcc.Option plays for MVCCMap in the teacher.
type Option func(*engineConfig)

// WithConfig overrides the base keyfsconfig.Config.
func WithConfig(cfg keyfsconfig.Config) Option {
	return func(c *engineConfig) { c.cfg = cfg }
}

// WithLogger sets the *zap.Logger every component logs through.
func WithLogger(l *zap.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithCodec overrides the default MsgpackCodec.
func WithCodec(codec Codec) Option {
	return func(c *engineConfig) { c.codec = codec }
}

// WithMetrics registers the engine's metrics.Set under reg. Omitting
// this option leaves metrics as a no-op, matching metrics.Set's nil
// receiver methods.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *engineConfig) { c.registry = reg }
}

// WithReadOnly marks the engine read-only: Begin(write=true) always
// fails with ErrReadOnly (spec §4.3 begin policy).
func WithReadOnly(ro bool) Option {
	return func(c *engineConfig) { c.readOnly = ro }
}

// WithCacheSize overrides keyfsconfig.Config.CacheSize directly,
// without requiring a full WithConfig call.
func WithCacheSize(n int) Option {
	return func(c *engineConfig) { c.cfg.CacheSize = n }
}

// WithNotifierPollInterval overrides the notifier's fallback wake
// period.
func WithNotifierPollInterval(d time.Duration) Option {
	return func(c *engineConfig) { c.cfg.NotifierPollInterval = d }
}

// WithWriteLockWarnAfter overrides the write-lock stuck-writer
// watchdog threshold (SPEC_FULL.md supplemented feature #3).
func WithWriteLockWarnAfter(d time.Duration) Option {
	return func(c *engineConfig) { c.cfg.WriteLockWarnAfter = d }
}

func newMetricsSet(c engineConfig) *metrics.Set {
	if c.registry == nil {
		return nil
	}
	return metrics.New(c.registry)
}
