// Package memory provides an in-process storage adapter. It holds records in
// insertion order behind a mutex and evaluates filters with adapter.Match.
//
// InsertMany is atomic: either every record is stored or none is.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/schema"
)

const kind = "memory"

// Adapter is an in-memory adapter.Adapter.
type Adapter struct {
	mu        sync.RWMutex
	owner     *schema.Schema
	pk        string
	connected bool
	order     []string
	records   map[string]adapter.Record
	indexes   []adapter.Index

	// ConnectFunc, when set, replaces the default Connect behaviour. Tests use
	// it to inject connect failures.
	ConnectFunc func(ctx context.Context) error
}

var (
	_ adapter.Adapter      = (*Adapter)(nil)
	_ adapter.Disconnector = (*Adapter)(nil)
)

// New creates an empty Adapter.
func New() *Adapter {
	return &Adapter{records: make(map[string]adapter.Record)}
}

// Factory returns an adapter.FactoryFunc producing fresh memory adapters.
func Factory() adapter.FactoryFunc {
	return func(adapter.Config) (adapter.Adapter, error) {
		return New(), nil
	}
}

// Register adds the memory backend to r under the kind "memory".
func Register(r *adapter.Registry) {
	r.Register(kind, Factory())
}

func (a *Adapter) Init(owner *schema.Schema) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owner = owner
	a.pk = owner.Primary().Column
	return nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.ConnectFunc != nil {
		if err := a.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

// Connected reports whether Connect succeeded and Disconnect has not been called.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Indexes returns the indexes created so far.
func (a *Adapter) Indexes() []adapter.Index {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]adapter.Index(nil), a.indexes...)
}

func (a *Adapter) checkConnected() error {
	if !a.connected {
		return adapter.ErrNotConnected
	}
	return nil
}

// selectLocked returns matching, sorted copies. Callers hold at least a read lock.
func (a *Adapter) selectLocked(q adapter.Query) ([]adapter.Record, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	var out []adapter.Record
	for _, id := range a.order {
		rec := a.records[id]
		ok, err := adapter.Match(rec, q.Filter)
		if err != nil {
			return nil, adapter.Wrap(kind, "find", err)
		}
		if ok && adapter.MatchSearch(rec, q.Search, q.SearchFields) {
			out = append(out, rec)
		}
	}
	adapter.SortRecords(out, q.Sort)
	out = adapter.Page(out, q.Offset, q.Limit)

	result := make([]adapter.Record, len(out))
	for i, rec := range out {
		result[i] = adapter.Project(rec, q.Fields, a.pk)
	}
	return result, nil
}

func (a *Adapter) Find(ctx context.Context, q adapter.Query) ([]adapter.Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selectLocked(q)
}

func (a *Adapter) FindOne(ctx context.Context, q adapter.Query) (adapter.Record, error) {
	q.Limit = 1
	recs, err := a.Find(ctx, q)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// FindStream snapshots the matching records and serves them through a cursor.
func (a *Adapter) FindStream(ctx context.Context, q adapter.Query) (adapter.Cursor, error) {
	recs, err := a.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	return adapter.NewSliceCursor(recs), nil
}

func (a *Adapter) Count(ctx context.Context, q adapter.Query) (int64, error) {
	q.Limit, q.Offset, q.Fields, q.Sort = 0, 0, nil, nil
	recs, err := a.Find(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// prepareLocked assigns an identifier when missing and checks uniqueness.
func (a *Adapter) prepareLocked(rec adapter.Record, pending map[string]bool) (string, adapter.Record, error) {
	stored := adapter.Project(rec, nil)
	id := fmt.Sprint(stored[a.pk])
	if stored[a.pk] == nil || id == "" {
		id = uuid.NewString()
		stored[a.pk] = id
	}
	if _, exists := a.records[id]; exists || pending[id] {
		return "", nil, fmt.Errorf("%w: %s", adapter.ErrAlreadyExists, id)
	}
	return id, stored, nil
}

func (a *Adapter) Insert(ctx context.Context, rec adapter.Record) (adapter.Record, error) {
	out, err := a.InsertMany(ctx, []adapter.Record{rec})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (a *Adapter) InsertMany(ctx context.Context, recs []adapter.Record) ([]adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkConnected(); err != nil {
		return nil, err
	}

	ids := make([]string, len(recs))
	stored := make([]adapter.Record, len(recs))
	pending := make(map[string]bool, len(recs))
	for i, rec := range recs {
		id, s, err := a.prepareLocked(rec, pending)
		if err != nil {
			return nil, err
		}
		pending[id] = true
		ids[i], stored[i] = id, s
	}

	out := make([]adapter.Record, len(recs))
	for i, id := range ids {
		a.records[id] = stored[i]
		a.order = append(a.order, id)
		out[i] = adapter.Project(stored[i], nil)
	}
	return out, nil
}

func (a *Adapter) UpdateByID(ctx context.Context, id string, patch adapter.Record) (adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	rec, ok := a.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
	}
	next := adapter.Project(rec, nil)
	for k, v := range patch {
		if k == a.pk {
			continue
		}
		next[k] = v
	}
	a.records[id] = next
	return adapter.Project(next, nil), nil
}

func (a *Adapter) ReplaceByID(ctx context.Context, id string, rec adapter.Record) (adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	if _, ok := a.records[id]; !ok {
		return nil, fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
	}
	next := adapter.Project(rec, nil)
	next[a.pk] = id
	a.records[id] = next
	return adapter.Project(next, nil), nil
}

func (a *Adapter) RemoveByID(ctx context.Context, id string) (adapter.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	rec, ok := a.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", adapter.ErrNotFound, id)
	}
	delete(a.records, id)
	for i, oid := range a.order {
		if oid == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return rec, nil
}

func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkConnected(); err != nil {
		return err
	}
	a.records = make(map[string]adapter.Record)
	a.order = nil
	return nil
}

func (a *Adapter) CreateIndex(ctx context.Context, idx adapter.Index) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkConnected(); err != nil {
		return err
	}
	a.indexes = append(a.indexes, idx)
	return nil
}

// PlainRecord accepts adapter.Record or map[string]any values.
func (a *Adapter) PlainRecord(entity any) (adapter.Record, error) {
	switch v := entity.(type) {
	case adapter.Record:
		return adapter.Project(v, nil), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("memory: cannot convert %T to record", entity)
	}
}
