package collector

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/models"
)

// Run collects continuously until ctx is cancelled. Outside trading hours it sleeps until
// the next session open instead of polling.
func (c *Collector) Run(ctx context.Context) error {
	logger.Info("Starting continuous collection (interval: %v, symbols: %v)", c.opts.Interval, c.opts.Symbols)
	for {
		if ctx.Err() != nil {
			logger.Info("Collector stopped")
			return nil
		}

		now := c.opts.Now()
		if !c.opts.Force && !c.opts.Schedule.AnyEligible(c.opts.Symbols, now) {
			wait := c.opts.Schedule.TimeUntilOpen(now)
			logger.Info("No symbol in session (%s), sleeping %v", c.opts.Schedule.Status(c.opts.Symbols[0], now), wait.Round(time.Second))
			if !sleep(ctx, wait) {
				logger.Info("Collector stopped")
				return nil
			}
			continue
		}

		summary := c.CollectOnce(ctx)
		if ctx.Err() != nil {
			// results cut short by shutdown are not a failed pass
			logger.Info("Collector stopped")
			return nil
		}
		c.handleCycleResult(ctx, summary)

		if !sleep(ctx, c.opts.Interval) {
			logger.Info("Collector stopped")
			return nil
		}
	}
}

// handleCycleResult notifies on the first failed pass of a streak and on recovery.
func (c *Collector) handleCycleResult(ctx context.Context, summary *models.RunSummary) {
	n := c.opts.Notifier
	if summary.Failed() {
		c.consecutiveFailures++
		if c.consecutiveFailures == 1 && n != nil {
			if err := n.SendError(ctx, errors.New(summary.FirstError())); err != nil {
				logger.Warn("Failed to send error notification: %v", err)
			}
		}
	} else {
		if c.consecutiveFailures > 0 && n != nil {
			if err := n.SendRecovery(ctx, c.consecutiveFailures); err != nil {
				logger.Warn("Failed to send recovery notification: %v", err)
			}
		}
		c.consecutiveFailures = 0
	}

	if c.opts.NotifySummary && n != nil && summary.Count(models.StatusSuccess) > 0 {
		if err := n.SendSummary(ctx, summary); err != nil {
			logger.Warn("Failed to send summary notification: %v", err)
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
