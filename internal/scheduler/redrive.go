// Package scheduler runs periodic background jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/service/webhook"
)

// Redriver claims and re-processes due webhook events.
type Redriver interface {
	Redrive(ctx context.Context, limit int) (webhook.RedriveResult, error)
}

// Redrive triggers the retry engine on a cron schedule. Runs never overlap.
type Redrive struct {
	cron     *cron.Cron
	redriver Redriver
	limit    int
	timeout  time.Duration
	running  atomic.Bool
	logger   *zap.Logger
}

// NewRedrive validates the cron schedule and registers the job. Call Start to begin.
func NewRedrive(schedule string, redriver Redriver, limit int, timeout time.Duration, logger *zap.Logger) (*Redrive, error) {
	if logger == nil {
		logger = zap.L()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	r := &Redrive{cron: cron.New(), redriver: redriver, limit: limit, timeout: timeout, logger: logger}
	if err := r.cron.AddFunc(schedule, r.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule redrive %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Redrive) Start() { r.cron.Start() }

func (r *Redrive) Stop() { r.cron.Stop() }

// RunOnce performs a single pass unless one is already in flight.
func (r *Redrive) RunOnce() {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("redrive still running, skipping tick")
		return
	}
	defer r.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.redriver.Redrive(ctx, r.limit); err != nil {
		r.logger.Error("webhook redrive failed", zap.Error(err))
	}
}
