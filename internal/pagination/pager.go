package pagination

import (
	"context"
	"errors"
	"fmt"

	"taskreports/internal/types"
)

var (
	// ErrPagerDone is returned by Next once the listing has been exhausted.
	ErrPagerDone = errors.New("pagination: pager exhausted")
	// ErrNonMonotonicPage is returned when a page repeats or goes below an id
	// already seen. Continuing would overlap pages.
	ErrNonMonotonicPage = errors.New("pagination: page ids are not strictly increasing")
)

// UserIDSource fetches one page of user ids after cursor. An empty cursor
// requests the first page.
type UserIDSource interface {
	FetchUserIDs(ctx context.Context, cursor string, limit int) (*types.PaginatedUserIDsResponse, error)
}

// Pager walks the listing one page at a time. It is not safe for concurrent
// use and cannot be rewound.
type Pager struct {
	source  UserIDSource
	limit   int
	cursor  string
	lastID  int64
	pages   int
	fetched int
	done    bool
}

// NewPager creates a pager starting at the first page.
func NewPager(source UserIDSource, limit int) *Pager {
	return &Pager{source: source, limit: limit, lastID: StartCursor}
}

// Next returns the ids of the next page. It returns ErrPagerDone after the last
// page. A page may be empty; callers should keep calling until ErrPagerDone.
func (p *Pager) Next(ctx context.Context) ([]int64, error) {
	if p.done {
		return nil, ErrPagerDone
	}

	resp, err := p.source.FetchUserIDs(ctx, p.cursor, p.limit)
	if err != nil {
		return nil, fmt.Errorf("fetching page %d: %w", p.pages+1, err)
	}

	for _, id := range resp.Data {
		if id <= p.lastID {
			p.done = true
			return nil, fmt.Errorf("%w: id %d after %d on page %d", ErrNonMonotonicPage, id, p.lastID, p.pages+1)
		}
		p.lastID = id
	}

	p.pages++
	p.fetched += len(resp.Data)

	next, ok := resp.NextCursor()
	if !ok {
		p.done = true
	} else {
		p.cursor = next
	}
	return resp.Data, nil
}

// Done reports whether the listing has been exhausted.
func (p *Pager) Done() bool { return p.done }

// Pages returns the number of pages fetched so far.
func (p *Pager) Pages() int { return p.pages }

// Fetched returns the number of ids returned so far.
func (p *Pager) Fetched() int { return p.fetched }
