package metering

import (
	"context"
	"net/http"

	"github.com/vnmchuo/usage-sync/internal/usage"
)

// Collection is the reassembled record set of one billing period.
type Collection struct {
	Records []usage.Record
	// ETag is the first page's token, the one to persist.
	ETag string
	// Unchanged is set when the first page answered 304; Records is empty.
	Unchanged bool
	Pages     int
}

// CollectAll follows the next-link chain from start and concatenates every
// page's records in fetch order. Any error discards what was accumulated.
func CollectAll(ctx context.Context, f Fetcher, start, bearerToken, etag string, force bool) (*Collection, error) {
	seen := make(map[string]struct{})
	locator := start

	var out *Collection
	for page := 1; ; page++ {
		if _, dup := seen[locator]; dup {
			return nil, &PaginationLoopError{Locator: locator, Page: page - 1}
		}
		seen[locator] = struct{}{}

		if err := ctx.Err(); err != nil {
			return nil, &TransportError{Locator: locator, Err: err}
		}

		p, err := f.Fetch(ctx, locator, bearerToken, etag, force)
		if err != nil {
			return nil, err
		}

		if out == nil {
			if p.Unchanged {
				return &Collection{
					Records:   []usage.Record{},
					ETag:      etag,
					Unchanged: true,
					Pages:     1,
				}, nil
			}
			out = &Collection{ETag: p.ETag}
		} else if p.Unchanged {
			// A 304 past the first page would silently truncate the set.
			return nil, &HTTPError{
				Locator:    locator,
				StatusCode: http.StatusNotModified,
				Body:       "not modified in the middle of a page chain",
			}
		}

		out.Records = append(out.Records, p.Records...)
		out.Pages = page

		if p.NextLink == "" {
			if out.Records == nil {
				out.Records = []usage.Record{}
			}
			return out, nil
		}
		locator = p.NextLink
	}
}
