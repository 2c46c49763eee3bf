package keyfs

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// withStorageRetry wraps a durability-critical storage call with
// exponential backoff, per SPEC_FULL.md's domain stack section. With
// the zero-value StorageRetryConfig (the default), MaxRetries is 0 and
// op runs exactly once — a single attempt, matching spec §7's
// "StorageError: propagated" until a caller opts in to resilience.
func (e *Engine) withStorageRetry(ctx context.Context, op func() error) error {
	cfg := e.conf.cfg.StorageRetry
	if cfg.MaxRetries <= 0 {
		return op()
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.MaxElapsed > 0 {
		bo.MaxElapsedTime = cfg.MaxElapsed
	}
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil {
			e.logger.Warn("storage call failed, retrying", zap.Error(err), zap.Int("attempt", attempt))
		}
		return err
	}, withCtx)
}
