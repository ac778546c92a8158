// Package concurrency collects small run-duration helpers used by the
// composition root. StartTimeoutTimer backs the optional
// TG_SYNC_RUN_TIMEOUT_SECS knob, letting a scripted backfill run bound its
// own lifetime instead of relying on an external process to kill it.
package concurrency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tgarchivist/internal/infra/logger"
)

// StartTimeoutTimer spawns a goroutine that calls cancelFunc once timeout
// seconds have elapsed, unless ctx is canceled first. Returns immediately;
// timeout <= 0 or a nil cancelFunc is a no-op.
func StartTimeoutTimer(ctx context.Context, timeout int, cancelFunc context.CancelFunc) error {
	if timeout <= 0 || cancelFunc == nil {
		return nil
	}

	duration := time.Duration(timeout) * time.Second

	go func() {
		logger.Info("run-timeout timer started", zap.Duration("timeout", duration))

		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-timer.C:
			logger.Info("run-timeout reached, initiating shutdown")
			cancelFunc()
		case <-ctx.Done():
			logger.Debug("run-timeout timer canceled, context ended first")
			return
		}
	}()
	return nil
}
