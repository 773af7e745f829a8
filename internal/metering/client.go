package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnmchuo/usage-sync/internal/usage"
)

// DefaultTimeout bounds a single page fetch. Usage pages for large
// enrollments are tens of megabytes.
const DefaultTimeout = 15 * time.Minute

const maxErrorBody = 4 << 10

// Client fetches single usage-detail pages. It holds no per-run state and is
// safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
}

type usageDetailsResponse struct {
	Data     *[]usage.Record `json:"data"`
	NextLink string          `json:"nextLink"`
}

// NewHTTPClient returns the transport the Client is meant to be built with.
// Go's transport negotiates gzip on its own.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

func New(httpClient *http.Client, baseURL string) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metering base url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("metering base url must be absolute: %s", baseURL)
	}
	return &Client{httpClient: httpClient, baseURL: u}, nil
}

// Fetch issues one GET for locator. Unless force is set, a non-empty etag is
// sent as If-None-Match and a 304 answer yields an Unchanged page.
func (c *Client) Fetch(ctx context.Context, locator, bearerToken, etag string, force bool) (*Page, error) {
	target, err := c.resolve(locator)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", locator, err)
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", bearerToken))
	httpReq.Header.Set("Accept", "application/json")
	if !force && etag != "" {
		httpReq.Header.Set("If-None-Match", quoteETag(etag))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Locator: locator, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &Page{Unchanged: true, ETag: etag}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{
			Locator:    locator,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	var payload usageDetailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if isTransportFailure(ctx, err) {
			return nil, &TransportError{Locator: locator, Err: err}
		}
		return nil, &DecodeError{Locator: locator, Err: err}
	}
	if payload.Data == nil {
		return nil, &DecodeError{Locator: locator, Err: errors.New(`missing "data" array`)}
	}

	return &Page{
		Records:  *payload.Data,
		NextLink: strings.TrimSpace(payload.NextLink),
		ETag:     resp.Header.Get("ETag"),
	}, nil
}

// resolve leaves absolute locators untouched and joins relative ones onto
// the base url.
func (c *Client) resolve(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", &DecodeError{Locator: locator, Err: fmt.Errorf("invalid locator: %w", err)}
	}
	if u.IsAbs() {
		return locator, nil
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, "W/") {
		return etag
	}
	return `"` + etag + `"`
}

// isTransportFailure separates a body that stopped arriving from one that
// arrived but is not valid JSON.
func isTransportFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
