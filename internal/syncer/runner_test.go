package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/internal/metering"
	"github.com/vnmchuo/usage-sync/internal/store"
	"github.com/vnmchuo/usage-sync/internal/usage"
)

func newRunner(t *testing.T, f metering.Fetcher) (*Runner, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := time.Date(2018, 5, 1, 0, 0, 0, 0, time.UTC)
	r := NewRunner(newService(f, usage.ModeSymmetric), st, zap.NewNop(),
		WithMaxAttempts(3),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	)
	return r, st
}

var testKey = store.Key{EnrollmentID: "100", BillingPeriod: "201804"}

func TestRunner_PersistsAndRevalidates(t *testing.T) {
	ctx := context.Background()
	f := (&mockFetcher{}).queue(
		page("", `"e1"`, rec("2018-04-01", "10", "2"), rec("2018-04-02", "3", "1")),
		unchanged(`"e1"`),
	)
	r, st := newRunner(t, f)

	first, err := r.Run(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, usage.NotRequested, first.Divergence.Status)

	snap, err := st.GetSnapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, `"e1"`, snap.ETag)
	assert.Len(t, snap.Records, 2)

	second, err := r.Run(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, second.Unchanged)
	assert.Len(t, second.Records, 2)
	assert.Equal(t, usage.NoDivergence, second.Divergence.Status)

	require.Len(t, f.calls, 2)
	assert.Empty(t, f.calls[0].etag)
	assert.Equal(t, `"e1"`, f.calls[1].etag, "stored etag becomes If-None-Match")

	runs, err := st.ListRuns(ctx, testKey, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, store.RunUnchanged, runs[0].Status)
	assert.Equal(t, store.RunSucceeded, runs[1].Status)
	assert.Equal(t, 2, runs[1].RecordCount)
}

func TestRunner_RecordsDivergence(t *testing.T) {
	ctx := context.Background()
	f := (&mockFetcher{}).queue(
		page("", `"e1"`, rec("2018-04-01", "10", "2")),
		page("", `"e2"`, rec("2018-04-01", "10", "2"), rec("2018-04-03", "1", "1")),
	)
	r, st := newRunner(t, f)

	_, err := r.Run(ctx, validRequest())
	require.NoError(t, err)
	res, err := r.Run(ctx, validRequest())
	require.NoError(t, err)

	assert.Equal(t, usage.Diverged, res.Divergence.Status)
	assert.Equal(t, usage.ReasonMissingInStore, res.Divergence.Reason)

	snap, err := st.GetSnapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, `"e2"`, snap.ETag)
	assert.Len(t, snap.Records, 2)

	runs, err := st.ListRuns(ctx, testKey, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "diverged", runs[0].Divergence)
	require.NotNil(t, runs[0].DivergenceDate)
	assert.Equal(t, "2018-04-03", runs[0].DivergenceDate.Format(usage.DateLayout))
}

func TestRunner_RetriesTransportErrors(t *testing.T) {
	f := (&mockFetcher{}).queue(
		failure(&metering.TransportError{Locator: "x", Err: errors.New("reset by peer")}),
		page("", `"e1"`, rec("2018-04-01", "1", "1")),
	)
	r, _ := newRunner(t, f)

	res, err := r.Run(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	assert.Len(t, f.calls, 2)
}

func TestRunner_GivesUpAfterMaxAttempts(t *testing.T) {
	down := &metering.TransportError{Locator: "x", Err: errors.New("timeout")}
	f := (&mockFetcher{}).queue(failure(down), failure(down), failure(down), failure(down))
	r, st := newRunner(t, f)

	_, err := r.Run(context.Background(), validRequest())

	var transportErr *metering.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Len(t, f.calls, 3)

	runs, err := st.ListRuns(context.Background(), testKey, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunFailed, runs[0].Status)
}

func TestRunner_DoesNotRetryHTTPErrors(t *testing.T) {
	ctx := context.Background()
	f := (&mockFetcher{}).queue(
		page("", `"e1"`, rec("2018-04-01", "1", "1")),
		failure(&metering.HTTPError{Locator: "x", StatusCode: 401}),
	)
	r, st := newRunner(t, f)

	_, err := r.Run(ctx, validRequest())
	require.NoError(t, err)

	_, err = r.Run(ctx, validRequest())
	var httpErr *metering.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 401, httpErr.StatusCode)
	assert.Len(t, f.calls, 2)

	snap, err := st.GetSnapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, `"e1"`, snap.ETag, "failed run must not touch the snapshot")

	runs, err := st.ListRuns(ctx, testKey, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "401")
}

func TestRunner_ExplicitTokenWins(t *testing.T) {
	ctx := context.Background()
	f := (&mockFetcher{}).queue(
		page("", `"e1"`, rec("2018-04-01", "1", "1")),
		page("", `"e2"`, rec("2018-04-01", "1", "1")),
	)
	r, _ := newRunner(t, f)

	_, err := r.Run(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.FreshnessToken = `"caller"`
	_, err = r.Run(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, `"caller"`, f.calls[1].etag)
}

func TestRunner_InvalidRequest(t *testing.T) {
	r, _ := newRunner(t, &mockFetcher{})

	_, err := r.Run(context.Background(), Request{})

	assert.ErrorIs(t, err, ErrInvalidRequest)
}
