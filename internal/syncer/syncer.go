// Package syncer ties the metering fetcher to reconciliation: Service runs
// one sync of a billing period, Runner adds storage and whole-run retries.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/internal/metering"
	"github.com/vnmchuo/usage-sync/internal/usage"
)

var ErrInvalidRequest = errors.New("invalid sync request")

// Request describes one sync of a billing period. An empty FreshnessToken
// means no ETag is known.
type Request struct {
	ForceRefresh   bool
	EnrollmentID   string
	BillingPeriod  string
	AccessToken    string
	FreshnessToken string
}

var (
	enrollmentPattern = regexp.MustCompile(`^[0-9]+$`)
	periodPattern     = regexp.MustCompile(`^[0-9]{4}(0[1-9]|1[0-2])$`)
)

// Validate checks that every field is present and that the enrollment is
// numeric and the period is YYYYMM. Both end up as URL path segments.
func (r Request) Validate() error {
	var missing []string
	if r.EnrollmentID == "" {
		missing = append(missing, "enrollment id")
	}
	if r.BillingPeriod == "" {
		missing = append(missing, "billing period")
	}
	if r.AccessToken == "" {
		missing = append(missing, "access token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !enrollmentPattern.MatchString(r.EnrollmentID) {
		return fmt.Errorf("%w: enrollment id %q is not numeric", ErrInvalidRequest, r.EnrollmentID)
	}
	if !periodPattern.MatchString(r.BillingPeriod) {
		return fmt.Errorf("%w: billing period %q is not YYYYMM", ErrInvalidRequest, r.BillingPeriod)
	}
	return nil
}

// Baseline is the previously stored record set to reconcile against.
type Baseline struct {
	Records []usage.Record
}

type Result struct {
	// Records is the effective record set: the fetched one, or the baseline
	// when the service reported the period unchanged.
	Records []usage.Record
	// ETag is the token to persist for the next conditional fetch.
	ETag       string
	Unchanged  bool
	Pages      int
	Divergence usage.Divergence
}

type Service struct {
	fetcher metering.Fetcher
	mode    usage.Mode
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewService(fetcher metering.Fetcher, mode usage.Mode, logger *zap.Logger, tracer trace.Tracer) *Service {
	return &Service{
		fetcher: fetcher,
		mode:    mode,
		logger:  logger,
		tracer:  tracer,
	}
}

// Sync fetches the whole billing period and, when a baseline is given,
// reports the earliest day the fetched data diverges from it.
func (s *Service) Sync(ctx context.Context, req Request, baseline *Baseline) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "syncer.sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("enrollment_id", req.EnrollmentID),
		attribute.String("billing_period", req.BillingPeriod),
		attribute.Bool("force_refresh", req.ForceRefresh),
		attribute.Bool("conditional", !req.ForceRefresh && req.FreshnessToken != ""),
		attribute.Bool("has_baseline", baseline != nil),
	)

	log := s.logger.With(
		zap.String("enrollment", req.EnrollmentID),
		zap.String("period", req.BillingPeriod),
	)

	locator := metering.UsageDetailsLocator(req.EnrollmentID, req.BillingPeriod)
	collected, err := metering.CollectAll(ctx, s.fetcher, locator, req.AccessToken, req.FreshnessToken, req.ForceRefresh)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("sync: fetch failed", zap.Error(err))
		return nil, err
	}

	result := &Result{
		Records:   collected.Records,
		ETag:      collected.ETag,
		Unchanged: collected.Unchanged,
		Pages:     collected.Pages,
	}
	if collected.Unchanged && baseline != nil {
		result.Records = baseline.Records
	}

	if baseline != nil {
		result.Divergence = usage.Reconcile(
			usage.Aggregate(result.Records),
			usage.Aggregate(baseline.Records),
			s.mode,
		)
	}

	span.SetAttributes(
		attribute.Bool("unchanged", result.Unchanged),
		attribute.Int("pages", result.Pages),
		attribute.Int("records", len(result.Records)),
		attribute.String("divergence", result.Divergence.String()),
	)
	log.Info("sync: completed",
		zap.Bool("unchanged", result.Unchanged),
		zap.Int("pages", result.Pages),
		zap.Int("records", len(result.Records)),
		zap.String("etag", result.ETag),
		zap.Stringer("divergence", result.Divergence),
	)
	return result, nil
}
