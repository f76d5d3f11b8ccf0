package remote

import (
	"context"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// ChangeFetcher returns one page of a change feed.
type ChangeFetcher interface {
	FetchChanges(ctx context.Context, kind models.EntityKind, cursor string) (*models.ChangePage, error)
}

// Paginator walks a change feed cursor by cursor.
type Paginator struct {
	fetcher ChangeFetcher
	kind    models.EntityKind
	cursor  string
	done    bool
	pages   int
}

// NewPaginator starts at cursor; an empty cursor reads from the beginning.
func NewPaginator(fetcher ChangeFetcher, kind models.EntityKind, cursor string) *Paginator {
	return &Paginator{fetcher: fetcher, kind: kind, cursor: cursor}
}

// Next returns the next page, or nil once the feed is exhausted.
func (p *Paginator) Next(ctx context.Context) (*models.ChangePage, error) {
	if p.done {
		return nil, nil
	}
	page, err := p.fetcher.FetchChanges(ctx, p.kind, p.cursor)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, apperrors.New(apperrors.ErrInvalidRemoteResponse, "remote returned no change page")
	}
	p.pages++
	if page.NextCursor != "" {
		p.cursor = page.NextCursor
	}
	p.done = !page.HasMore
	return page, nil
}

// Cursor returns the cursor the next call will send.
func (p *Paginator) Cursor() string {
	return p.cursor
}

// Pages returns how many pages have been read.
func (p *Paginator) Pages() int {
	return p.pages
}

// All reads every remaining page. limit caps the number of records
// returned; zero means no cap.
func (p *Paginator) All(ctx context.Context, limit int) ([]*models.RemoteRecord, error) {
	var out []*models.RemoteRecord
	for {
		page, err := p.Next(ctx)
		if err != nil {
			return out, err
		}
		if page == nil {
			return out, nil
		}
		out = append(out, page.Records...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
}
