package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/internal/auth"
	"github.com/vnmchuo/usage-sync/internal/metering"
	"github.com/vnmchuo/usage-sync/internal/store"
	"github.com/vnmchuo/usage-sync/internal/syncer"
	"github.com/vnmchuo/usage-sync/internal/usage"
	"github.com/vnmchuo/usage-sync/pkg/ratelimit"
)

type Runner interface {
	Run(ctx context.Context, req syncer.Request) (*syncer.Result, error)
}

type Handler struct {
	runner  Runner
	store   store.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewHandler(runner Runner, st store.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		runner:  runner,
		store:   st,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger,
	}
}

type syncResponse struct {
	EnrollmentID  string           `json:"enrollment_id"`
	BillingPeriod string           `json:"billing_period"`
	Unchanged     bool             `json:"unchanged"`
	Pages         int              `json:"pages"`
	RecordCount   int              `json:"record_count"`
	ETag          string           `json:"etag"`
	Divergence    usage.Divergence `json:"divergence"`
	Days          []usage.Bucket   `json:"days"`
}

type summaryResponse struct {
	EnrollmentID  string          `json:"enrollment_id"`
	BillingPeriod string          `json:"billing_period"`
	ETag          string          `json:"etag"`
	SyncedAt      time.Time       `json:"synced_at"`
	RecordCount   int             `json:"record_count"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	Days          []usage.Bucket  `json:"days"`
}

func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accessKey := auth.GetAccessKey(ctx)
	if accessKey == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	enrollmentID := chi.URLParam(r, "enrollment")
	period := chi.URLParam(r, "period")

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		var err error
		if force, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'force' value")
			return
		}
	}

	ctx, span := h.tracer.Start(ctx, "api.sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("enrollment_id", enrollmentID),
		attribute.String("billing_period", period),
	)

	limit, err := h.limiter.Allow(ctx, enrollmentID)
	if err != nil || !limit.Allowed {
		retryAfter := time.Minute
		if err != nil {
			h.logger.Warn("api: rate limiter error", zap.Error(err))
		} else {
			setRateLimitHeaders(w, limit)
			if limit.ResetAfter > 0 {
				retryAfter = limit.ResetAfter
			}
		}
		seconds := retryAfterSeconds(retryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": fmt.Sprintf("%ds", seconds),
		})
		return
	}
	setRateLimitHeaders(w, limit)

	result, err := h.runner.Run(ctx, syncer.Request{
		ForceRefresh:  force,
		EnrollmentID:  enrollmentID,
		BillingPeriod: period,
		AccessToken:   accessKey,
	})
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("api: sync failed",
			zap.String("enrollment", enrollmentID), zap.String("period", period), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		EnrollmentID:  enrollmentID,
		BillingPeriod: period,
		Unchanged:     result.Unchanged,
		Pages:         result.Pages,
		RecordCount:   len(result.Records),
		ETag:          result.ETag,
		Divergence:    result.Divergence,
		Days:          usage.Aggregate(result.Records),
	})
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)

	snap, ok := h.ownedSnapshot(w, r, key)
	if !ok {
		return
	}

	days := usage.Aggregate(snap.Records)
	totalCost, totalQuantity := decimal.Zero, decimal.Zero
	for _, d := range days {
		totalCost = totalCost.Add(d.CostSum)
		totalQuantity = totalQuantity.Add(d.QuantitySum)
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		EnrollmentID:  key.EnrollmentID,
		BillingPeriod: key.BillingPeriod,
		ETag:          snap.ETag,
		SyncedAt:      snap.SyncedAt,
		RecordCount:   len(snap.Records),
		TotalCost:     totalCost,
		TotalQuantity: totalQuantity,
		Days:          days,
	})
}

func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit' value")
			return
		}
		limit = n
	}

	if _, ok := h.ownedSnapshot(w, r, key); !ok {
		return
	}

	runs, err := h.store.ListRuns(r.Context(), key, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enrollment_id":  key.EnrollmentID,
		"billing_period": key.BillingPeriod,
		"runs":           runs,
	})
}

// ownedSnapshot loads the stored snapshot and checks that the caller's
// access key is the one that synced it. It writes the error response itself.
func (h *Handler) ownedSnapshot(w http.ResponseWriter, r *http.Request, key store.Key) (*store.Snapshot, bool) {
	snap, err := h.store.GetSnapshot(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, "no snapshot for this billing period")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if !snap.Authorize(auth.GetAccessKey(r.Context())) {
		h.logger.Warn("api: access key does not own snapshot", zap.Stringer("key", key))
		writeError(w, http.StatusForbidden, "access key does not match this billing period")
		return nil, false
	}
	return snap, true
}

func setRateLimitHeaders(w http.ResponseWriter, res *extratelimit.Result) {
	if res.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(retryAfterSeconds(res.ResetAfter)))
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func keyFromRequest(r *http.Request) store.Key {
	return store.Key{
		EnrollmentID:  chi.URLParam(r, "enrollment"),
		BillingPeriod: chi.URLParam(r, "period"),
	}
}

// statusFor maps a sync error onto the status returned to our caller.
func statusFor(err error) int {
	var (
		httpErr      *metering.HTTPError
		transportErr *metering.TransportError
		decodeErr    *metering.DecodeError
		loopErr      *metering.PaginationLoopError
	)
	switch {
	case errors.Is(err, syncer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &httpErr):
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
			return httpErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.As(err, &transportErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &decodeErr), errors.As(err, &loopErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
