package dynamo

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/canopy/adapter"
)

// scanCursor fetches one scan page at a time.
type scanCursor struct {
	pages  *dynamodb.ScanPaginator
	buf    []map[string]types.AttributeValue
	query  adapter.Query
	pk     string
	skip   int
	served int
	closed bool
}

func newScanCursor(pages *dynamodb.ScanPaginator, q adapter.Query, pk string) *scanCursor {
	return &scanCursor{pages: pages, query: q, pk: pk, skip: q.Offset}
}

func (c *scanCursor) Next(ctx context.Context) (adapter.Record, error) {
	for {
		if c.closed || (c.query.Limit > 0 && c.served >= c.query.Limit) {
			return nil, io.EOF
		}
		if len(c.buf) == 0 {
			if !c.pages.HasMorePages() {
				return nil, io.EOF
			}
			page, err := c.pages.NextPage(ctx)
			if err != nil {
				return nil, adapter.Wrap(Kind, "scan", err)
			}
			c.buf = page.Items
			continue
		}

		item := c.buf[0]
		c.buf = c.buf[1:]
		rec, err := unmarshal(item)
		if err != nil {
			return nil, err
		}
		if c.query.Search != "" && !adapter.MatchSearch(rec, c.query.Search, c.query.SearchFields) {
			continue
		}
		if c.skip > 0 {
			c.skip--
			continue
		}
		c.served++
		if len(c.query.Fields) > 0 {
			rec = adapter.Project(rec, c.query.Fields, c.pk)
		}
		return rec, nil
	}
}

func (c *scanCursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}
