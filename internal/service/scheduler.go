// Package service runs the periodic maintenance jobs of the ingest pipeline
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper expires idle upload sessions and deletes their parts
type Sweeper interface {
	Sweep(ctx context.Context, idleFor time.Duration) (int, error)
}

// Reconciler re-checks zero reference blobs that a crash left behind
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type SchedulerConfig struct {
	SweepSchedule     string
	ReconcileSchedule string
	// Sessions idle for longer than this get expired
	ChunkExpiry time.Duration
	// Upper bound for one job run
	JobTimeout time.Duration
}

type Scheduler struct {
	c *cron.Cron
}

// NewScheduler registers the jobs without starting them. An empty schedule
// disables the matching job.
func NewScheduler(cfg SchedulerConfig, sw Sweeper, rc Reconciler) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))

	if cfg.SweepSchedule != "" {
		_, err := c.AddFunc(cfg.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
			defer cancel()

			RunSweep(ctx, sw, cfg.ChunkExpiry)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule chunk sweep, %w", err)
		}
	}

	if cfg.ReconcileSchedule != "" {
		_, err := c.AddFunc(cfg.ReconcileSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
			defer cancel()

			RunReconcile(ctx, rc)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule blob reconcile, %w", err)
		}
	}

	return &Scheduler{c: c}, nil
}

func (s *Scheduler) Start() {
	zap.L().Debug("Maintenance scheduler started", zap.Int("jobs", len(s.c.Entries())))
	s.c.Start()
}

// Stop waits for running jobs or until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}

func RunSweep(ctx context.Context, sw Sweeper, idleFor time.Duration) {
	n, err := sw.Sweep(ctx, idleFor)
	if err != nil {
		zap.L().Error("Failed to sweep upload sessions", zap.Error(err))
		return
	}

	if n > 0 {
		zap.L().Info("Swept idle upload sessions", zap.Int("count", n))
	}
}

func RunReconcile(ctx context.Context, rc Reconciler) {
	n, err := rc.Reconcile(ctx)
	if err != nil {
		zap.L().Error("Failed to reconcile blobs", zap.Error(err))
		return
	}

	if n > 0 {
		zap.L().Info("Reclaimed orphaned blobs", zap.Int("count", n))
	}
}
