package adapter

import (
	"context"
	"io"
)

// SliceCursor serves records from memory.
type SliceCursor struct {
	recs []Record
	pos  int
}

var _ Cursor = (*SliceCursor)(nil)

// NewSliceCursor returns a cursor over recs.
func NewSliceCursor(recs []Record) *SliceCursor {
	return &SliceCursor{recs: recs}
}

func (c *SliceCursor) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.recs) {
		return nil, io.EOF
	}
	rec := c.recs[c.pos]
	c.pos++
	return rec, nil
}

func (c *SliceCursor) Close() error {
	c.recs = nil
	return nil
}
