package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/jacentio/canopy/adapter"
)

// rowsCursor streams an open result set.
type rowsCursor struct {
	rows *sql.Rows
}

func (c *rowsCursor) Next(ctx context.Context) (adapter.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, adapter.Wrap(Kind, "select", err)
		}
		return nil, io.EOF
	}
	return scanRecord(c.rows)
}

func (c *rowsCursor) Close() error {
	return c.rows.Close()
}

// scanRecord reads the current row. NULL columns are omitted and byte
// slices become strings.
func scanRecord(rows *sql.Rows) (adapter.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	rec := make(adapter.Record, len(cols))
	for i, col := range cols {
		switch v := vals[i].(type) {
		case nil:
		case []byte:
			rec[col] = string(v)
		default:
			rec[col] = v
		}
	}
	return rec, nil
}
