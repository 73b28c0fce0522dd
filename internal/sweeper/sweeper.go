// Package sweeper runs the periodic in-memory cleanups: expired cache
// entries and stale rate-limit windows.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"supportchat/pkg/cache"
	"supportchat/pkg/config"
	"supportchat/pkg/logger"
	"supportchat/pkg/ratelimit"
)

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.SweeperConfig, c *cache.Cache, l *ratelimit.Limiter) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}

	// map empty cron to the default five minute cadence
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweeper_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", cfg.Cron)
	}

	logger.Info("sweeper_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, c, l)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, cronExpr string, c *cache.Cache, l *ratelimit.Limiter) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("sweeper_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			runOnce(c, l)
			// small sleep to avoid a tight loop when the tick is due
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("sweeper_stopping")
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			runOnce(c, l)
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}
	}
}

func runOnce(c *cache.Cache, l *ratelimit.Limiter) {
	before := c.Len()
	c.Cleanup()
	l.ClearExpired()
	logger.Debug("sweep_done", "cache_before", before, "cache_after", c.Len(), "limiter_records", l.Len())
}
