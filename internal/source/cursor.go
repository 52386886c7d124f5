package source

import (
	"context"
	"fmt"
	"log/slog"
)

// Cursor hides pagination of a MetadataSource and hands out fixed-size pull
// batches. The sequence is bounded by the total reported on the first page
// and is not restartable once exhausted.
type Cursor struct {
	src      MetadataSource
	subject  string
	pageSize int
	log      *slog.Logger

	nextPage  int
	buf       []AssetRef
	total     int
	yielded   int
	exhausted bool
	opened    bool
}

// NewCursor creates a cursor over subject. pageSize is the size of the
// backend request and is independent of the caller's pull size.
func NewCursor(src MetadataSource, subject string, pageSize int) *Cursor {
	if pageSize < 1 {
		pageSize = 20
	}
	return &Cursor{
		src:      src,
		subject:  subject,
		pageSize: pageSize,
		nextPage: 1,
		log:      slog.With("component", "cursor", "subject", subject),
	}
}

// Open fetches the first page and learns the total. A failure here is fatal
// to the job; there is no way to bound the sequence without it.
func (c *Cursor) Open(ctx context.Context) (int, error) {
	if c.opened {
		return c.total, nil
	}
	page, err := c.src.FetchPage(ctx, c.subject, c.nextPage, c.pageSize)
	if err != nil {
		return 0, fmt.Errorf("fetch first page for %s: %w", c.subject, err)
	}
	c.opened = true
	c.total = page.Total
	c.nextPage++
	c.buf = append(c.buf, page.Items...)
	if len(page.Items) == 0 {
		c.exhausted = true
	}
	return c.total, nil
}

// Total is the item count reported by the first page.
func (c *Cursor) Total() int { return c.total }

// Yielded is the number of items handed out so far.
func (c *Cursor) Yielded() int { return c.yielded }

// HasNext reports whether another item can be pulled. It fails closed:
// transport errors are logged and reported as the end of the sequence.
func (c *Cursor) HasNext(ctx context.Context) bool {
	if !c.opened || c.yielded >= c.total {
		return false
	}
	if len(c.buf) > 0 {
		return true
	}
	if c.exhausted {
		return false
	}
	if err := c.pull(ctx); err != nil {
		c.log.Warn("page fetch failed, ending sequence", "page", c.nextPage, "error", err)
		return false
	}
	return len(c.buf) > 0
}

// NextBatch returns up to n items, pulling further pages as needed and
// keeping any overflow buffered for the next call. A failed page request ends
// the batch early; the same page is requested again on the next call.
func (c *Cursor) NextBatch(ctx context.Context, n int) []AssetRef {
	if !c.opened || n <= 0 {
		return nil
	}
	remaining := c.total - c.yielded
	if remaining <= 0 {
		c.buf = nil
		return nil
	}
	if n > remaining {
		n = remaining
	}

	for len(c.buf) < n && !c.exhausted {
		if err := c.pull(ctx); err != nil {
			c.log.Warn("page fetch failed, returning short batch", "page", c.nextPage, "error", err)
			break
		}
	}

	take := n
	if take > len(c.buf) {
		take = len(c.buf)
	}
	out := make([]AssetRef, take)
	copy(out, c.buf[:take])
	c.buf = c.buf[take:]
	c.yielded += take
	return out
}

func (c *Cursor) pull(ctx context.Context) error {
	page, err := c.src.FetchPage(ctx, c.subject, c.nextPage, c.pageSize)
	if err != nil {
		return err
	}
	c.nextPage++
	if len(page.Items) == 0 {
		c.exhausted = true
		return nil
	}
	c.buf = append(c.buf, page.Items...)
	return nil
}
