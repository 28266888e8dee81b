package anchor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// PendingAnchorer retries anchoring for unanchored certificates.
type PendingAnchorer interface {
	AnchorPending(ctx context.Context, limit int) (int, error)
}

// WorkerConfig controls the retry schedule.
type WorkerConfig struct {
	Schedule   string        // standard 5-field cron expression
	BatchSize  int           // certificates per run
	RunTimeout time.Duration // upper bound on one run
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Schedule == "" {
		c.Schedule = "*/5 * * * *"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 2 * time.Minute
	}
	return c
}

// RetryWorker re-anchors certificates on a cron schedule.
type RetryWorker struct {
	target PendingAnchorer
	cfg    WorkerConfig
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewRetryWorker creates a worker. It does nothing until Start.
func NewRetryWorker(target PendingAnchorer, cfg WorkerConfig, logger *slog.Logger) *RetryWorker {
	return &RetryWorker{
		target: target,
		cfg:    cfg.withDefaults(),
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules the job.
func (w *RetryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("anchor retry worker already running")
	}

	if _, err := w.cron.AddFunc(w.cfg.Schedule, func() { w.RunOnce(ctx) }); err != nil {
		return err
	}
	w.cron.Start()
	w.running = true
	w.logger.Info("anchor retry worker started", "schedule", w.cfg.Schedule, "batch", w.cfg.BatchSize)
	return nil
}

// Stop waits for a run in progress to finish.
func (w *RetryWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	<-w.cron.Stop().Done()
	w.running = false
	w.logger.Info("anchor retry worker stopped")
}

// Running reports whether the worker is scheduled.
func (w *RetryWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce performs a single retry pass.
func (w *RetryWorker) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	n, err := w.target.AnchorPending(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn("anchor retry failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("anchored pending certificates", "count", n)
	}
}
