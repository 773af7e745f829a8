package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/usage-sync/internal/syncer"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is the watcher's view of one billing period it keeps in sync.
type Job struct {
	BillingPeriod string
	Status        JobStatus
	LastRun       time.Time
	LastError     string
}

type Runner interface {
	Run(ctx context.Context, req syncer.Request) (*syncer.Result, error)
}

type Config struct {
	EnrollmentID   string
	AccessKey      string
	BillingPeriods []string
	Interval       time.Duration
	ForceRefresh   bool
	// Concurrency bounds how many periods sync at once. Zero means one
	// goroutine per period.
	Concurrency int
}

// Watcher re-syncs a fixed set of billing periods on an interval.
type Watcher struct {
	runner Runner
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewWatcher(runner Runner, cfg Config, logger *zap.Logger) (*Watcher, error) {
	if len(cfg.BillingPeriods) == 0 {
		return nil, errors.New("worker: no billing periods to watch")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("worker: interval must be positive")
	}
	// Each period is synced by at most one goroutine per tick.
	periods := make([]string, 0, len(cfg.BillingPeriods))
	jobs := make(map[string]*Job, len(cfg.BillingPeriods))
	for _, p := range cfg.BillingPeriods {
		if _, dup := jobs[p]; dup {
			continue
		}
		periods = append(periods, p)
		jobs[p] = &Job{BillingPeriod: p, Status: JobStatusPending}
	}
	cfg.BillingPeriods = periods
	return &Watcher{runner: runner, cfg: cfg, logger: logger, jobs: jobs}, nil
}

// Start runs one tick immediately and then one per interval until ctx is
// cancelled. It returns ctx.Err() on cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick syncs every watched period once. A failing period is logged and
// recorded; it does not stop the others.
func (w *Watcher) Tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if w.cfg.Concurrency > 0 {
		g.SetLimit(w.cfg.Concurrency)
	}

	for _, period := range w.cfg.BillingPeriods {
		g.Go(func() error {
			w.runOne(gctx, period)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Watcher) runOne(ctx context.Context, period string) {
	w.setStatus(period, JobStatusRunning, nil)

	result, err := w.runner.Run(ctx, syncer.Request{
		ForceRefresh:  w.cfg.ForceRefresh,
		EnrollmentID:  w.cfg.EnrollmentID,
		BillingPeriod: period,
		AccessToken:   w.cfg.AccessKey,
	})
	if err != nil {
		w.logger.Error("worker: sync failed", zap.String("period", period), zap.Error(err))
		w.setStatus(period, JobStatusFailed, err)
		return
	}

	w.logger.Info("worker: sync done",
		zap.String("period", period),
		zap.Bool("unchanged", result.Unchanged),
		zap.Int("records", len(result.Records)),
		zap.Stringer("divergence", result.Divergence),
	)
	w.setStatus(period, JobStatusDone, nil)
}

func (w *Watcher) setStatus(period string, status JobStatus, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job := w.jobs[period]
	job.Status = status
	if status == JobStatusRunning {
		return
	}
	job.LastRun = time.Now()
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
}

// Jobs returns a copy of every job's current state.
func (w *Watcher) Jobs() []Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Job, 0, len(w.cfg.BillingPeriods))
	for _, p := range w.cfg.BillingPeriods {
		out = append(out, *w.jobs[p])
	}
	return out
}
