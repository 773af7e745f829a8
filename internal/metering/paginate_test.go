package metering

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/usage-sync/internal/usage"
)

type fetchCall struct {
	locator string
	etag    string
	force   bool
}

// chainFetcher serves pages keyed by locator and records every call.
type chainFetcher struct {
	pages map[string]*Page
	errs  map[string]error
	calls []fetchCall
	onGet func(locator string)
}

func (f *chainFetcher) Fetch(ctx context.Context, locator, bearerToken, etag string, force bool) (*Page, error) {
	f.calls = append(f.calls, fetchCall{locator: locator, etag: etag, force: force})
	if f.onGet != nil {
		f.onGet(locator)
	}
	if err, ok := f.errs[locator]; ok {
		return nil, err
	}
	p, ok := f.pages[locator]
	if !ok {
		return nil, fmt.Errorf("unexpected locator %s", locator)
	}
	return p, nil
}

func recordN(n int) usage.Record {
	return usage.Record{
		Date:     time.Date(2018, 4, 1+n%28, 0, 0, 0, 0, time.UTC),
		Cost:     decimal.NewFromInt(int64(n)),
		Quantity: decimal.NewFromInt(1),
	}
}

// buildChain returns n pages L0 -> L1 -> ... -> L(n-1), two records each.
func buildChain(n int) *chainFetcher {
	f := &chainFetcher{pages: make(map[string]*Page)}
	for i := 0; i < n; i++ {
		p := &Page{
			Records: []usage.Record{recordN(2 * i), recordN(2*i + 1)},
			ETag:    fmt.Sprintf(`"etag-%d"`, i),
		}
		if i < n-1 {
			p.NextLink = fmt.Sprintf("L%d", i+1)
		}
		f.pages[fmt.Sprintf("L%d", i)] = p
	}
	return f
}

func TestCollectAll_Completeness(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%d pages", n), func(t *testing.T) {
			f := buildChain(n)

			got, err := CollectAll(context.Background(), f, "L0", "token", "", false)
			require.NoError(t, err)

			require.Len(t, got.Records, 2*n)
			for i, r := range got.Records {
				assert.True(t, r.Cost.Equal(decimal.NewFromInt(int64(i))), "record %d out of order", i)
			}
			assert.Len(t, f.calls, n)
			assert.Equal(t, n, got.Pages)
			assert.Equal(t, `"etag-0"`, got.ETag, "first page etag wins")
			assert.False(t, got.Unchanged)
		})
	}
}

func TestCollectAll_SelfLoop(t *testing.T) {
	f := buildChain(3)
	f.pages["L1"].NextLink = "L1"

	_, err := CollectAll(context.Background(), f, "L0", "token", "", false)

	var loopErr *PaginationLoopError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, "L1", loopErr.Locator)
	assert.Len(t, f.calls, 2)
}

func TestCollectAll_LongerCycle(t *testing.T) {
	f := buildChain(3)
	f.pages["L2"].NextLink = "L0"

	_, err := CollectAll(context.Background(), f, "L0", "token", "", false)

	var loopErr *PaginationLoopError
	require.ErrorAs(t, err, &loopErr)
	assert.Len(t, f.calls, 3)
}

func TestCollectAll_UnchangedShortCircuit(t *testing.T) {
	f := &chainFetcher{pages: map[string]*Page{
		"L0": {Unchanged: true, ETag: `"old"`, NextLink: "L1"},
	}}

	got, err := CollectAll(context.Background(), f, "L0", "token", `"old"`, false)
	require.NoError(t, err)

	assert.True(t, got.Unchanged)
	assert.NotNil(t, got.Records)
	assert.Empty(t, got.Records)
	assert.Equal(t, `"old"`, got.ETag)
	assert.Len(t, f.calls, 1, "must not follow a next link after 304")
}

func TestCollectAll_ForwardsConditionOnEveryPage(t *testing.T) {
	f := buildChain(3)

	_, err := CollectAll(context.Background(), f, "L0", "token", `"prev"`, true)
	require.NoError(t, err)

	for _, c := range f.calls {
		assert.Equal(t, `"prev"`, c.etag)
		assert.True(t, c.force)
	}
}

func TestCollectAll_UnchangedMidChain(t *testing.T) {
	f := buildChain(3)
	f.pages["L1"] = &Page{Unchanged: true}

	_, err := CollectAll(context.Background(), f, "L0", "token", `"prev"`, false)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
}

func TestCollectAll_ErrorDiscardsPartial(t *testing.T) {
	f := buildChain(3)
	f.errs = map[string]error{"L2": &HTTPError{Locator: "L2", StatusCode: 500}}

	got, err := CollectAll(context.Background(), f, "L0", "token", "", false)

	assert.Nil(t, got)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
}

func TestCollectAll_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := buildChain(4)
	f.onGet = func(locator string) {
		if locator == "L1" {
			cancel()
		}
	}

	got, err := CollectAll(ctx, f, "L0", "token", "", false)

	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsRetryable(err))
	assert.Len(t, f.calls, 2, "no fetch after cancellation")
}

func TestCollectAll_EmptyPeriod(t *testing.T) {
	f := &chainFetcher{pages: map[string]*Page{"L0": {ETag: `"e"`}}}

	got, err := CollectAll(context.Background(), f, "L0", "token", "", false)
	require.NoError(t, err)

	assert.NotNil(t, got.Records)
	assert.Empty(t, got.Records)
	assert.False(t, got.Unchanged)
}
