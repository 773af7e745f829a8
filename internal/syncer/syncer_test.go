package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/internal/metering"
	"github.com/vnmchuo/usage-sync/internal/usage"
)

// mockFetcher answers every call with the next queued response.
type mockFetcher struct {
	mu        sync.Mutex
	responses []mockResponse
	calls     []mockCall
}

type mockResponse struct {
	page *metering.Page
	err  error
}

type mockCall struct {
	locator, token, etag string
	force                bool
}

func (m *mockFetcher) Fetch(ctx context.Context, locator, bearerToken, etag string, force bool) (*metering.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{locator: locator, token: bearerToken, etag: etag, force: force})
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("unexpected fetch of %s", locator)
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r.page, r.err
}

func (m *mockFetcher) queue(rs ...mockResponse) *mockFetcher {
	m.responses = append(m.responses, rs...)
	return m
}

func page(next, etag string, records ...usage.Record) mockResponse {
	return mockResponse{page: &metering.Page{Records: records, NextLink: next, ETag: etag}}
}

func unchanged(etag string) mockResponse {
	return mockResponse{page: &metering.Page{Unchanged: true, ETag: etag}}
}

func failure(err error) mockResponse {
	return mockResponse{err: err}
}

func rec(date, cost, qty string) usage.Record {
	d, err := usage.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return usage.Record{Date: d, Cost: decimal.RequireFromString(cost), Quantity: decimal.RequireFromString(qty)}
}

func newService(f metering.Fetcher, mode usage.Mode) *Service {
	return NewService(f, mode, zap.NewNop(), noop.NewTracerProvider().Tracer("test"))
}

func validRequest() Request {
	return Request{EnrollmentID: "100", BillingPeriod: "201804", AccessToken: "secret"}
}

func TestSync_InvalidRequest(t *testing.T) {
	s := newService(&mockFetcher{}, usage.ModeSymmetric)

	_, err := s.Sync(context.Background(), Request{BillingPeriod: "201804"}, nil)

	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "enrollment id")
	assert.Contains(t, err.Error(), "access token")
}

func TestRequest_ValidateRejectsMalformedSegments(t *testing.T) {
	cases := []struct {
		name       string
		enrollment string
		period     string
	}{
		{"query in period", "100", "201804?x=1#"},
		{"path traversal in enrollment", "../../admin", "201804"},
		{"slash in period", "100", "2018/04"},
		{"month out of range", "100", "201813"},
		{"short period", "100", "20184"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &mockFetcher{}
			s := newService(f, usage.ModeSymmetric)

			_, err := s.Sync(context.Background(), Request{
				EnrollmentID:  tc.enrollment,
				BillingPeriod: tc.period,
				AccessToken:   "secret",
			}, nil)

			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, f.calls, "nothing may be fetched for a malformed request")
		})
	}
}

func TestSync_FullFetchWithoutBaseline(t *testing.T) {
	f := (&mockFetcher{}).queue(
		page("https://next/2", `"e1"`, rec("2018-04-01", "10", "2")),
		page("", `"e2"`, rec("2018-04-02", "3", "1")),
	)
	s := newService(f, usage.ModeSymmetric)

	res, err := s.Sync(context.Background(), validRequest(), nil)
	require.NoError(t, err)

	assert.Len(t, res.Records, 2)
	assert.Equal(t, `"e1"`, res.ETag)
	assert.Equal(t, 2, res.Pages)
	assert.False(t, res.Unchanged)
	assert.Equal(t, usage.NotRequested, res.Divergence.Status)

	require.Len(t, f.calls, 2)
	assert.Equal(t, "100/billingPeriods/201804/usagedetails", f.calls[0].locator)
	assert.Equal(t, "https://next/2", f.calls[1].locator)
	assert.Equal(t, "secret", f.calls[0].token)
	assert.Empty(t, f.calls[0].etag)
}

func TestSync_UnchangedUsesBaseline(t *testing.T) {
	f := (&mockFetcher{}).queue(unchanged(`"e1"`))
	s := newService(f, usage.ModeSymmetric)
	baseline := &Baseline{Records: []usage.Record{rec("2018-04-01", "10", "2"), rec("2018-04-01", "5", "1")}}

	req := validRequest()
	req.FreshnessToken = `"e1"`
	res, err := s.Sync(context.Background(), req, baseline)
	require.NoError(t, err)

	assert.True(t, res.Unchanged)
	assert.Len(t, res.Records, 2, "unchanged must never look like an empty period")
	assert.Equal(t, `"e1"`, res.ETag)
	assert.Equal(t, usage.NoDivergence, res.Divergence.Status)
	assert.Equal(t, `"e1"`, f.calls[0].etag)
}

func TestSync_UnchangedWithoutBaseline(t *testing.T) {
	f := (&mockFetcher{}).queue(unchanged(`"e1"`))
	s := newService(f, usage.ModeSymmetric)

	req := validRequest()
	req.FreshnessToken = `"e1"`
	res, err := s.Sync(context.Background(), req, nil)
	require.NoError(t, err)

	assert.True(t, res.Unchanged)
	assert.Empty(t, res.Records)
	assert.Equal(t, usage.NotRequested, res.Divergence.Status)
}

func TestSync_ReportsDivergence(t *testing.T) {
	f := (&mockFetcher{}).queue(page("", `"e2"`,
		rec("2018-04-01", "10", "2"),
		rec("2018-04-01", "5", "1"),
		rec("2018-04-02", "3", "1"),
	))
	s := newService(f, usage.ModeSymmetric)
	baseline := &Baseline{Records: []usage.Record{
		rec("2018-04-01", "10", "2"),
		rec("2018-04-01", "4", "1"),
	}}

	res, err := s.Sync(context.Background(), validRequest(), baseline)
	require.NoError(t, err)

	assert.Len(t, res.Records, 3)
	assert.Equal(t, usage.Diverged, res.Divergence.Status)
	assert.Equal(t, "2018-04-01", res.Divergence.Date.Format(usage.DateLayout))
	assert.Equal(t, usage.ReasonValueMismatch, res.Divergence.Reason)
}

func TestSync_ForceRefreshHonoredOnEveryPage(t *testing.T) {
	f := (&mockFetcher{}).queue(
		page("p2", `"new"`, rec("2018-04-01", "1", "1")),
		page("", "", rec("2018-04-02", "1", "1")),
	)
	s := newService(f, usage.ModeSymmetric)

	req := validRequest()
	req.ForceRefresh = true
	req.FreshnessToken = `"old"`
	res, err := s.Sync(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, `"new"`, res.ETag)
	for _, c := range f.calls {
		assert.True(t, c.force)
	}
}

func TestSync_PropagatesErrorsUnchanged(t *testing.T) {
	want := &metering.DecodeError{Locator: "p2", Err: errors.New("bad json")}
	f := (&mockFetcher{}).queue(
		page("p2", `"e"`, rec("2018-04-01", "1", "1")),
		failure(want),
	)
	s := newService(f, usage.ModeSymmetric)

	res, err := s.Sync(context.Background(), validRequest(), &Baseline{})

	assert.Nil(t, res)
	assert.Same(t, want, err)
}

// End to end against a fake metering API: no stored ETag, not forced, so
// the first fetch is unconditional and yields records plus an ETag.
func TestSync_EndToEnd(t *testing.T) {
	var ifNoneMatch []string
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ifNoneMatch = append(ifNoneMatch, r.Header.Get("If-None-Match"))
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/enrollments/100/billingPeriods/201804/usagedetails":
			w.Header().Set("ETag", `"page-1"`)
			fmt.Fprintf(w, `{"data":[{"date":"2018-04-01T00:00:00","cost":10,"consumedQuantity":2}],"nextLink":"%s/v2/next?skiptoken=x"}`, server.URL)
		case "/v2/next":
			w.Header().Set("ETag", `"page-2"`)
			fmt.Fprint(w, `{"data":[{"date":"2018-04-01T00:00:00","cost":5,"consumedQuantity":1},{"date":"2018-04-02T00:00:00","cost":3,"consumedQuantity":1}],"nextLink":null}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := metering.New(server.Client(), server.URL+"/v2/enrollments/")
	require.NoError(t, err)
	s := newService(client, usage.ModeSymmetric)

	res, err := s.Sync(context.Background(), validRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"", ""}, ifNoneMatch)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, `"page-1"`, res.ETag)

	buckets := usage.Aggregate(res.Records)
	require.Len(t, buckets, 2)
	assert.Equal(t, 2, buckets[0].Count)
	assert.True(t, buckets[0].CostSum.Equal(decimal.NewFromInt(15)))
	assert.True(t, buckets[0].QuantitySum.Equal(decimal.NewFromInt(3)))
}

func TestSync_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newService(&mockFetcher{}, usage.ModeSymmetric)

	start := time.Now()
	_, err := s.Sync(ctx, validRequest(), nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
