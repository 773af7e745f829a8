package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/internal/metering"
	"github.com/vnmchuo/usage-sync/internal/store"
	"github.com/vnmchuo/usage-sync/internal/usage"
)

// Runner is the storage-backed entry point shared by the CLI, the HTTP API
// and the watcher. It is safe for concurrent use on distinct periods.
type Runner struct {
	service     *Service
	store       store.Store
	logger      *zap.Logger
	maxAttempts uint
	maxElapsed  time.Duration
	newBackOff  func() backoff.BackOff
	now         func() time.Time
}

type RunnerOption func(*Runner)

// WithMaxAttempts bounds how many times a run is attempted when it fails
// with a transport error.
func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = uint(n)
		}
	}
}

func WithBackOff(newBackOff func() backoff.BackOff) RunnerOption {
	return func(r *Runner) { r.newBackOff = newBackOff }
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(service *Service, st store.Store, logger *zap.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		service:     service,
		store:       st,
		logger:      logger,
		maxAttempts: 3,
		maxElapsed:  time.Hour,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = time.Minute
			return b
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run syncs one billing period against its stored snapshot, persists the
// new snapshot and records the run in the history.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := store.Key{EnrollmentID: req.EnrollmentID, BillingPeriod: req.BillingPeriod}
	log := r.logger.With(zap.String("enrollment", key.EnrollmentID), zap.String("period", key.BillingPeriod))

	run := &store.Run{
		ID:        uuid.New().String(),
		Key:       key,
		StartedAt: r.now().UTC(),
	}

	result, err := r.run(ctx, req, key, log)
	run.Duration = r.now().Sub(run.StartedAt)
	if err != nil {
		run.Status = store.RunFailed
		run.Error = err.Error()
		r.logRun(ctx, run, log)
		return nil, err
	}

	run.Status = store.RunSucceeded
	if result.Unchanged {
		run.Status = store.RunUnchanged
	}
	run.Pages = result.Pages
	run.RecordCount = len(result.Records)
	run.Divergence = result.Divergence.Status.String()
	if result.Divergence.Status == usage.Diverged {
		d := result.Divergence.Date
		run.DivergenceDate = &d
	}
	r.logRun(ctx, run, log)
	return result, nil
}

func (r *Runner) run(ctx context.Context, req Request, key store.Key, log *zap.Logger) (*Result, error) {
	snap, err := r.store.GetSnapshot(ctx, key)
	if err != nil && !errors.Is(err, store.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var baseline *Baseline
	if snap != nil {
		baseline = &Baseline{Records: snap.Records}
		if req.FreshnessToken == "" {
			req.FreshnessToken = snap.ETag
		}
	}

	attempt := 0
	result, err := backoff.Retry(ctx, func() (*Result, error) {
		attempt++
		res, err := r.service.Sync(ctx, req, baseline)
		if err != nil && !metering.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithMaxElapsedTime(r.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("sync: retrying after transport error",
				zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return nil, err
	}

	// An unchanged answer for a snapshot we already hold leaves storage as is.
	if result.Unchanged {
		return result, nil
	}

	err = r.store.PutSnapshot(ctx, &store.Snapshot{
		Key:           key,
		Records:       result.Records,
		ETag:          result.ETag,
		AccessKeyHash: store.HashAccessKey(req.AccessToken),
		SyncedAt:      r.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return result, nil
}

func (r *Runner) logRun(ctx context.Context, run *store.Run, log *zap.Logger) {
	// History is written even if the caller's context is already cancelled.
	if err := r.store.LogRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("sync: failed to record run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
