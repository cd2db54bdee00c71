package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Retention periodically purges entries older than a fixed age.
type Retention struct {
	purger   Purger
	maxAge   time.Duration
	clock    Clock
	logger   *zap.Logger
	cron     *cron.Cron
	schedule string
}

// NewRetention returns a job for purger. schedule is a cron spec or a
// descriptor such as "@daily".
func NewRetention(purger Purger, maxAge time.Duration, schedule string, logger *zap.Logger) *Retention {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = "@daily"
	}
	return &Retention{
		purger:   purger,
		maxAge:   maxAge,
		clock:    SystemClock{},
		logger:   logger.Named("retention"),
		schedule: schedule,
	}
}

// RunOnce deletes everything created before now minus the max age.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.clock.Now().Add(-r.maxAge)
	n, err := r.purger.Purge(ctx, cutoff)
	if err != nil {
		r.logger.Error("audit purge failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, err
	}
	r.logger.Info("audit purge complete", zap.Time("cutoff", cutoff), zap.Int64("deleted", n))
	return n, nil
}

// Start schedules the purge. It returns an error for an invalid schedule.
func (r *Retention) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = r.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts the scheduler and waits for a running purge to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
