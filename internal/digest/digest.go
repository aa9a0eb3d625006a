// Package digest posts withdrawal statistics to the operator on a cron schedule.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"payout.settle/internal/metrics"
	"payout.settle/internal/notify"
	"payout.settle/internal/store"
)

const runTimeout = 30 * time.Second

// StatsReader is the slice of the ledger the digest needs.
type StatsReader interface {
	Stats(ctx context.Context) (store.Stats, error)
}

type Job struct {
	stats    StatsReader
	sink     notify.Sink
	operator notify.Recipient
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewJob(stats StatsReader, sink notify.Sink, operator notify.Recipient, m *metrics.Metrics, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		stats:    stats,
		sink:     sink,
		operator: operator,
		metrics:  m,
		logger:   logger.With("component", "digest"),
		now:      time.Now,
	}
}

// Run reads the current statistics and sends one digest message.
func (j *Job) Run(ctx context.Context) (notify.Result, error) {
	st, err := j.stats.Stats(ctx)
	if err != nil {
		return notify.Result{}, fmt.Errorf("failed to read stats: %w", err)
	}

	res := notify.BestEffort(ctx, j.sink, j.operator, notify.Digest(st, j.now()))
	if !res.Skipped {
		j.metrics.Notification("digest", res.Err)
	}
	if res.Err != nil {
		j.logger.Warn("digest not delivered", "error", res.Err)
	}
	return res, nil
}

// Start schedules Run with a standard five-field cron expression and starts
// the scheduler. The returned cron must be stopped by the caller.
func Start(schedule string, job *Job) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := job.Run(ctx); err != nil {
			job.logger.Error("digest failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid digest schedule %q: %w", schedule, err)
	}

	c.Start()
	job.logger.Info("digest scheduled", "schedule", schedule)
	return c, nil
}
