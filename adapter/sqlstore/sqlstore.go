// Package sqlstore implements adapter.Adapter on a relational table with one
// column per schema field, through database/sql. SQLite (modernc.org/sqlite)
// and PostgreSQL (pgx) drivers are registered by this package.
//
// NULL columns are omitted from returned records, so writing nil to a field
// is equivalent to removing it. Nested object filters are not supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cast"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/schema"
)

// Kind is the registry name of this backend.
const Kind = "sql"

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Adapter is a database/sql adapter.Adapter.
type Adapter struct {
	config  Config
	owner   *schema.Schema
	table   string
	pk      string
	columns []string
	stmt    sq.StatementBuilderType

	mu    sync.RWMutex
	db    *sql.DB
	owned bool
}

var (
	_ adapter.Adapter      = (*Adapter)(nil)
	_ adapter.Disconnector = (*Adapter)(nil)
)

// New creates an unconnected Adapter.
func New(config Config) *Adapter {
	config.validate()
	return &Adapter{
		config: config,
		stmt:   sq.StatementBuilder.PlaceholderFormat(config.placeholders()),
	}
}

// Factory returns an adapter.FactoryFunc that reads Config from settings.
func Factory() adapter.FactoryFunc {
	return func(cfg adapter.Config) (adapter.Adapter, error) {
		c, err := ConfigFromSettings(cfg.Settings)
		if err != nil {
			return nil, err
		}
		return New(c), nil
	}
}

// Register adds the SQL backend to r under Kind.
func Register(r *adapter.Registry) {
	r.Register(Kind, Factory())
}

func (a *Adapter) Init(owner *schema.Schema) error {
	a.owner = owner
	a.pk = owner.Primary().Column
	a.columns = owner.Columns()
	a.table = a.config.Table
	if a.table == "" {
		a.table = owner.Table()
	}
	if _, err := quote(a.table); err != nil {
		return fmt.Errorf("sqlstore: table %q: %w", a.table, err)
	}
	for _, col := range a.columns {
		if _, err := quote(col); err != nil {
			return fmt.Errorf("sqlstore: %w", err)
		}
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	db, owned := a.config.DB, false
	if db == nil {
		var err error
		if db, err = sql.Open(a.config.Driver, a.config.DSN); err != nil {
			return fmt.Errorf("open %s: %w", a.config.Driver, err)
		}
		owned = true
		switch {
		case a.config.MaxOpenConns > 0:
			db.SetMaxOpenConns(a.config.MaxOpenConns)
		case a.config.DSN == ":memory:":
			// every connection would open its own empty database
			db.SetMaxOpenConns(1)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		if owned {
			db.Close()
		}
		return adapter.Wrap(Kind, "ping", err)
	}

	a.mu.Lock()
	a.db, a.owned = db, owned
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	db, owned := a.db, a.owned
	a.db = nil
	a.mu.Unlock()
	if db != nil && owned {
		return db.Close()
	}
	return nil
}

func (a *Adapter) conn() (*sql.DB, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, adapter.ErrNotConnected
	}
	return a.db, nil
}

func (a *Adapter) tableName() string { return `"` + a.table + `"` }

func (a *Adapter) pkColumn() string { return `"` + a.pk + `"` }

// selectQuery builds the SELECT for q.
func (a *Adapter) selectQuery(q adapter.Query) (sq.SelectBuilder, error) {
	cols := []string{"*"}
	if len(q.Fields) > 0 {
		cols = []string{a.pkColumn()}
		for _, f := range q.Fields {
			if f == a.pk {
				continue
			}
			col, err := quote(f)
			if err != nil {
				return sq.SelectBuilder{}, err
			}
			cols = append(cols, col)
		}
	}

	b := a.stmt.Select(cols...).From(a.tableName())
	b, err := a.filtered(b, q)
	if err != nil {
		return b, err
	}

	order, err := orderBy(q.Sort)
	if err != nil {
		return b, err
	}
	if len(order) > 0 {
		b = b.OrderBy(order...)
	}
	switch {
	case q.Limit > 0:
		b = b.Limit(uint64(q.Limit))
	case q.Offset > 0:
		// SQLite rejects OFFSET without LIMIT
		b = b.Limit(math.MaxInt64)
	}
	if q.Offset > 0 {
		b = b.Offset(uint64(q.Offset))
	}
	return b, nil
}

func (a *Adapter) filtered(b sq.SelectBuilder, q adapter.Query) (sq.SelectBuilder, error) {
	conds, err := where(q.Filter)
	if err != nil {
		return b, err
	}
	if q.Search != "" {
		s, err := search(q.Search, q.SearchFields)
		if err != nil {
			return b, err
		}
		conds = append(conds, s)
	}
	if len(conds) > 0 {
		b = b.Where(conds)
	}
	return b, nil
}

func (a *Adapter) query(ctx context.Context, r runner, b sq.SelectBuilder) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, a.handleError(err, "select", "")
	}
	return rows, nil
}

func (a *Adapter) Find(ctx context.Context, q adapter.Query) ([]adapter.Record, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	b, err := a.selectQuery(q)
	if err != nil {
		return nil, err
	}
	return a.collect(ctx, db, b)
}

func (a *Adapter) collect(ctx context.Context, r runner, b sq.SelectBuilder) ([]adapter.Record, error) {
	rows, err := a.query(ctx, r, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []adapter.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, a.handleError(err, "select", "")
	}
	return recs, nil
}

func (a *Adapter) FindOne(ctx context.Context, q adapter.Query) (adapter.Record, error) {
	q.Limit = 1
	recs, err := a.Find(ctx, q)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (a *Adapter) FindStream(ctx context.Context, q adapter.Query) (adapter.Cursor, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	b, err := a.selectQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := a.query(ctx, db, b)
	if err != nil {
		return nil, err
	}
	return &rowsCursor{rows: rows}, nil
}

func (a *Adapter) Count(ctx context.Context, q adapter.Query) (int64, error) {
	db, err := a.conn()
	if err != nil {
		return 0, err
	}
	b, err := a.filtered(a.stmt.Select("COUNT(*)").From(a.tableName()), q)
	if err != nil {
		return 0, err
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, a.handleError(err, "count", "")
	}
	return n, nil
}

// get reads one record by identifier, or nil when absent.
func (a *Adapter) get(ctx context.Context, r runner, id string) (adapter.Record, error) {
	recs, err := a.collect(ctx, r, a.stmt.Select("*").From(a.tableName()).Where(sq.Eq{a.pkColumn(): id}))
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (a *Adapter) insert(ctx context.Context, r runner, rec adapter.Record) (string, error) {
	id := cast.ToString(rec[a.pk])
	if id == "" {
		id = uuid.NewString()
	}
	b := a.stmt.Insert(a.tableName())
	cols := []string{a.pkColumn()}
	vals := []any{id}
	for _, col := range sortedKeys(rec) {
		if col == a.pk {
			continue
		}
		q, err := quote(col)
		if err != nil {
			return "", err
		}
		cols = append(cols, q)
		vals = append(vals, rec[col])
	}

	query, args, err := b.Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return "", a.handleError(err, "insert", id)
	}
	return id, nil
}

func (a *Adapter) Insert(ctx context.Context, rec adapter.Record) (adapter.Record, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	id, err := a.insert(ctx, db, rec)
	if err != nil {
		return nil, err
	}
	return a.get(ctx, db, id)
}

// InsertMany inserts every record in one transaction.
func (a *Adapter) InsertMany(ctx context.Context, recs []adapter.Record) ([]adapter.Record, error) {
	if len(recs) == 0 {
		return []adapter.Record{}, nil
	}
	out := make([]adapter.Record, len(recs))
	err := a.inTx(ctx, func(tx *sql.Tx) error {
		for i, rec := range recs {
			id, err := a.insert(ctx, tx, rec)
			if err != nil {
				return err
			}
			if out[i], err = a.get(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return adapter.Wrap(Kind, "begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return adapter.Wrap(Kind, "commit", tx.Commit())
}

// update sets values on the row with id and reads it back.
func (a *Adapter) update(ctx context.Context, id string, values map[string]any) (adapter.Record, error) {
	var rec adapter.Record
	err := a.inTx(ctx, func(tx *sql.Tx) error {
		if len(values) > 0 {
			b := a.stmt.Update(a.tableName()).Where(sq.Eq{a.pkColumn(): id})
			for _, col := range sortedKeys(values) {
				q, err := quote(col)
				if err != nil {
					return err
				}
				b = b.Set(q, values[col])
			}
			query, args, err := b.ToSql()
			if err != nil {
				return fmt.Errorf("build update: %w", err)
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return a.handleError(err, "update", id)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
			}
		}
		var err error
		if rec, err = a.get(ctx, tx, id); err == nil && rec == nil {
			err = fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
		}
		return err
	})
	return rec, err
}

func (a *Adapter) UpdateByID(ctx context.Context, id string, patch adapter.Record) (adapter.Record, error) {
	values := make(map[string]any, len(patch))
	for col, v := range patch {
		if col != a.pk {
			values[col] = v
		}
	}
	return a.update(ctx, id, values)
}

// ReplaceByID writes rec and nulls every other schema column.
func (a *Adapter) ReplaceByID(ctx context.Context, id string, rec adapter.Record) (adapter.Record, error) {
	values := make(map[string]any, len(a.columns)+len(rec))
	for _, col := range a.columns {
		values[col] = nil
	}
	for col, v := range rec {
		values[col] = v
	}
	delete(values, a.pk)
	if len(values) == 0 {
		values[a.pk] = id
	}
	return a.update(ctx, id, values)
}

func (a *Adapter) RemoveByID(ctx context.Context, id string) (adapter.Record, error) {
	var rec adapter.Record
	err := a.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = a.get(ctx, tx, id); err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
		}
		query, args, err := a.stmt.Delete(a.tableName()).Where(sq.Eq{a.pkColumn(): id}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return a.handleError(err, "delete", id)
		}
		return nil
	})
	return rec, err
}

func (a *Adapter) Clear(ctx context.Context) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	query, args, err := a.stmt.Delete(a.tableName()).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	_, err = db.ExecContext(ctx, query, args...)
	return adapter.Wrap(Kind, "clear", err)
}

func (a *Adapter) CreateIndex(ctx context.Context, idx adapter.Index) error {
	if len(idx.Keys) == 0 {
		return fmt.Errorf("sqlstore: index %q has no keys", idx.Name)
	}
	db, err := a.conn()
	if err != nil {
		return err
	}

	name := idx.Name
	parts := make([]string, 0, len(idx.Keys))
	names := []string{a.table}
	for _, k := range idx.Keys {
		col, err := quote(k.Column)
		if err != nil {
			return err
		}
		if k.Descending {
			col += " DESC"
		}
		parts = append(parts, col)
		names = append(names, k.Column)
	}
	if name == "" {
		name = strings.Join(names, "_")
	}
	quoted, err := quote(name)
	if err != nil {
		return err
	}

	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	ddl := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, quoted, a.tableName(), strings.Join(parts, ", "))
	_, err = db.ExecContext(ctx, ddl)
	return adapter.Wrap(Kind, "create index "+name, err)
}

// PlainRecord accepts records and anything cast can turn into a string map.
func (a *Adapter) PlainRecord(entity any) (adapter.Record, error) {
	switch v := entity.(type) {
	case nil:
		return nil, nil
	case adapter.Record:
		return adapter.Project(v, nil), nil
	}
	m, err := cast.ToStringMapE(entity)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: cannot convert %T to record: %w", entity, err)
	}
	return m, nil
}

// handleError maps constraint violations to adapter.ErrAlreadyExists.
func (a *Adapter) handleError(err error, op, id string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %s", adapter.ErrAlreadyExists, id)
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", adapter.ErrAlreadyExists, id)
	}
	return adapter.Wrap(Kind, op, err)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
