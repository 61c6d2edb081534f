package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jacentio/canopy/adapter"
)

// Create validates p.Body, inserts it and returns the created entity.
func (s *Store) Create(ctx context.Context, p Params, o Options) (any, error) {
	a, tenant, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	body, err := s.validate(ctx, p.Body, ChangeCreate, nil)
	if err != nil {
		return nil, err
	}
	rec, err := s.writeBody(body, o)
	if err != nil {
		return nil, err
	}

	created, err := a.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}
	entity, err := s.transformOne(ctx, a, created, p, o)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "created entity", "tenant", tenant, "id", s.recordID(created))
	if err := s.notify(ctx, tenant, Change{Type: ChangeCreate, Data: entity}); err != nil {
		return nil, err
	}
	return entity, nil
}

// CreateMany validates every element of p.Bodies concurrently and inserts them
// in one adapter call. Entities are returned, in input order, only when
// o.ReturnEntities is set.
func (s *Store) CreateMany(ctx context.Context, p Params, o Options) ([]any, error) {
	a, tenant, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	recs := make([]adapter.Record, len(p.Bodies))
	g, gctx := errgroup.WithContext(ctx)
	for i, body := range p.Bodies {
		g.Go(func() error {
			valid, err := s.validate(gctx, body, ChangeCreate, nil)
			if err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
			recs[i], err = s.writeBody(valid, o)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	created, err := a.InsertMany(ctx, recs)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "created entities", "tenant", tenant, "count", len(created))

	var entities []any
	var data any = created
	if o.ReturnEntities {
		if entities, err = s.transform(ctx, a, created, p, o); err != nil {
			return nil, err
		}
		data = entities
	}
	if err := s.notify(ctx, tenant, Change{Type: ChangeCreate, Data: data, Batch: true}); err != nil {
		return nil, err
	}
	return entities, nil
}

// Update patches the entity p.ID with p.Body. An empty patch performs no
// write and returns the stored entity.
func (s *Store) Update(ctx context.Context, p Params, o Options) (any, error) {
	public, id, err := s.requireID(p, o)
	if err != nil {
		return nil, err
	}
	a, tenant, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	old, err := s.resolveRecord(ctx, a, id, public, p)
	if err != nil {
		return nil, err
	}

	body := p.Body
	if !o.Raw {
		if body, err = s.validate(ctx, body, ChangeUpdate, old); err != nil {
			return nil, err
		}
	}
	patch := s.stripIdentifiers(s.schema.TranslateRecord(body))
	if len(patch) == 0 {
		return s.transformOne(ctx, a, old, p, o)
	}

	updated, err := a.UpdateByID(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	entity, err := s.transformOne(ctx, a, updated, p, o)
	if err != nil {
		return nil, err
	}
	if err := s.notify(ctx, tenant, Change{Type: ChangeUpdate, Data: entity}); err != nil {
		return nil, err
	}
	return entity, nil
}

// UpdateMany applies p.Body to every entity matching p.Query. Results keep
// the order in which the adapter returned the matches.
func (s *Store) UpdateMany(ctx context.Context, p Params, o Options) ([]any, error) {
	ids, err := s.matchingIDs(ctx, p, o)
	if err != nil {
		return nil, err
	}

	out := make([]any, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			entity, err := s.Update(gctx, byID(id, p), o)
			out[i] = entity
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Replace swaps the stored entity p.ID for p.Body.
func (s *Store) Replace(ctx context.Context, p Params, o Options) (any, error) {
	public, id, err := s.requireID(p, o)
	if err != nil {
		return nil, err
	}
	a, tenant, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	old, err := s.resolveRecord(ctx, a, id, public, p)
	if err != nil {
		return nil, err
	}

	body, err := s.validate(ctx, p.Body, ChangeReplace, old)
	if err != nil {
		return nil, err
	}
	replaced, err := a.ReplaceByID(ctx, id, s.stripIdentifiers(s.schema.TranslateRecord(body)))
	if err != nil {
		return nil, err
	}
	entity, err := s.transformOne(ctx, a, replaced, p, o)
	if err != nil {
		return nil, err
	}
	if err := s.notify(ctx, tenant, Change{Type: ChangeReplace, Data: entity}); err != nil {
		return nil, err
	}
	return entity, nil
}

// Remove deletes the entity p.ID, or marks it deleted when soft delete is
// configured, and returns p.ID as given.
func (s *Store) Remove(ctx context.Context, p Params, o Options) (string, error) {
	public, id, err := s.requireID(p, o)
	if err != nil {
		return "", err
	}
	a, tenant, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	old, err := s.resolveRecord(ctx, a, id, public, p)
	if err != nil {
		return "", err
	}
	if _, err := s.validate(ctx, p.Body, ChangeRemove, old); err != nil {
		return "", err
	}

	soft := s.config.SoftDelete
	var removed adapter.Record
	if soft != nil {
		col := s.schema.ColumnNameOf(soft.Field)
		removed, err = a.UpdateByID(ctx, id, adapter.Record{col: soft.Value(s.clock.Now())})
	} else {
		removed, err = a.RemoveByID(ctx, id)
	}
	if err != nil {
		return "", err
	}

	entity, err := s.transformOne(ctx, a, removed, p, o)
	if err != nil {
		return "", err
	}
	s.logger.DebugContext(ctx, "removed entity", "tenant", tenant, "id", id, "soft", soft != nil)
	if err := s.notify(ctx, tenant, Change{Type: ChangeRemove, Data: entity, SoftDelete: soft != nil}); err != nil {
		return "", err
	}
	return public, nil
}

// RemoveMany removes every entity matching p.Query and returns their public
// identifiers.
func (s *Store) RemoveMany(ctx context.Context, p Params, o Options) ([]string, error) {
	ids, err := s.matchingIDs(ctx, p, o)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			removed, err := s.Remove(gctx, byID(id, p), o)
			out[i] = removed
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes every entity of the tenant.
func (s *Store) Clear(ctx context.Context) error {
	a, tenant, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	if err := a.Clear(ctx); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "cleared entities", "tenant", tenant)
	return s.notify(ctx, tenant, Change{Type: ChangeClear})
}

// IndexSpec describes an index in logical field names. Fields is a field
// name, a list of names, or a nested map of name to direction (1 or -1).
type IndexSpec struct {
	Name   string
	Fields any
	Unique bool
}

// CreateIndexes translates and creates every index concurrently.
func (s *Store) CreateIndexes(ctx context.Context, specs ...IndexSpec) error {
	indexes := make([]adapter.Index, len(specs))
	for i, spec := range specs {
		keys, err := s.schema.TranslateIndex(spec.Fields)
		if err != nil {
			return fmt.Errorf("index %q: %w", spec.Name, err)
		}
		indexes[i] = adapter.Index{Name: spec.Name, Keys: keys, Unique: spec.Unique}
	}

	a, _, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range indexes {
		g.Go(func() error {
			return a.CreateIndex(gctx, idx)
		})
	}
	return g.Wait()
}

// matchingIDs finds the raw records matching p and returns their identifiers
// in the form the single-entity flows expect. Only an explicit limit bounds
// the match; pages are ignored.
func (s *Store) matchingIDs(ctx context.Context, p Params, o Options) ([]string, error) {
	p = s.sanitize(p, modeMatch)
	q, err := s.buildQuery(ctx, p)
	if err != nil {
		return nil, err
	}
	q.Fields = []string{s.schema.Primary().Column}
	a, _, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	records, err := a.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		if ids[i], err = s.encodeID(s.recordID(rec), o); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
