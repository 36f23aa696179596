// Package jobs holds the server's background loops.
package jobs

import (
	"context"
	"time"

	"github.com/kamikazebr/luna-auth/internal/logging"
)

// CodeSweeper deletes one-time codes created before a cutoff.
type CodeSweeper interface {
	SweepExpiredCodes(ctx context.Context, before time.Time) (int64, error)
}

type CodeCleanup struct {
	sweeper   CodeSweeper
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	log       logging.Logger
}

func NewCodeCleanup(sweeper CodeSweeper, interval, retention time.Duration, log logging.Logger) *CodeCleanup {
	if log == nil {
		log = logging.Discard()
	}
	return &CodeCleanup{
		sweeper:   sweeper,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		log:       log,
	}
}

// RunOnce sweeps codes older than the retention period. Errors are logged only.
func (c *CodeCleanup) RunOnce(ctx context.Context) int64 {
	n, err := c.sweeper.SweepExpiredCodes(ctx, c.now().Add(-c.retention))
	if err != nil {
		c.log.Error(ctx, "failed to cleanup expired codes", "error", err)
		return 0
	}
	if n > 0 {
		c.log.Info(ctx, "cleaned up expired codes", "count", n)
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (c *CodeCleanup) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}
