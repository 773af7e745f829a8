// Package metering talks to the Enterprise Agreement usage-details API:
// one conditional GET per page, and a driver that follows the next-link
// chain to reassemble a billing period.
package metering

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vnmchuo/usage-sync/internal/usage"
)

// DefaultBaseURL is the root every relative locator is resolved against.
const DefaultBaseURL = "https://consumption.azure.com/v2/enrollments/"

// Page is one response of the usage-details chain.
type Page struct {
	Records []usage.Record
	// NextLink is the locator of the following page, empty on the last one.
	NextLink string
	// ETag is the revalidation token returned with the page, if any.
	ETag string
	// Unchanged means the service answered 304 for the supplied ETag. Records
	// is empty and the caller's stored copy is still current.
	Unchanged bool
}

type Fetcher interface {
	Fetch(ctx context.Context, locator, bearerToken, etag string, force bool) (*Page, error)
}

// UsageDetailsLocator builds the first-page locator for a billing period.
// Both values are escaped as single path segments.
func UsageDetailsLocator(enrollmentID, billingPeriod string) string {
	return fmt.Sprintf("%s/billingPeriods/%s/usagedetails",
		url.PathEscape(enrollmentID), url.PathEscape(billingPeriod))
}
