package store

import (
	"context"

	"github.com/jacentio/canopy/adapter"
)

// Find returns the entities matching p, paginated.
func (s *Store) Find(ctx context.Context, p Params, o Options) ([]any, error) {
	p = s.sanitize(p, modeList)
	q, err := s.buildQuery(ctx, p)
	if err != nil {
		return nil, err
	}
	a, tenant, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	records, err := a.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "find", "tenant", tenant, "count", len(records))
	return s.transform(ctx, a, records, p, o)
}

// FindOne returns the first entity matching p, or nil.
func (s *Store) FindOne(ctx context.Context, p Params, o Options) (any, error) {
	p = s.sanitize(p, modeSingle)
	q, err := s.buildQuery(ctx, p)
	if err != nil {
		return nil, err
	}
	a, _, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := a.FindOne(ctx, q)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.transformOne(ctx, a, rec, p, o)
}

// Count returns the number of entities matching p, ignoring pagination.
func (s *Store) Count(ctx context.Context, p Params, o Options) (int64, error) {
	p = s.sanitize(p, modeCount)
	q, err := s.buildQuery(ctx, p)
	if err != nil {
		return 0, err
	}
	a, _, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	return a.Count(ctx, q)
}

// Stream returns a lazy sequence of the entities matching p. The caller must
// Close it.
func (s *Store) Stream(ctx context.Context, p Params, o Options) (*Stream, error) {
	p = s.sanitize(p, modeList)
	q, err := s.buildQuery(ctx, p)
	if err != nil {
		return nil, err
	}
	a, _, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	cur, err := a.FindStream(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Stream{
		cursor: cur,
		transform: func(ctx context.Context, rec adapter.Record) (any, error) {
			return s.transformOne(ctx, a, rec, p, o)
		},
	}, nil
}

// Resolve looks entities up by identifier. The result shape follows p:
//
//   - p.Mapping: map[string]any keyed by public identifier
//   - p.IDs: []any in storage order
//   - p.ID: the entity, or nil
//
// With o.Strict, finding nothing fails with ErrNotFound.
func (s *Store) Resolve(ctx context.Context, p Params, o Options) (any, error) {
	p = s.sanitize(p, modeResolve)
	multi := p.IDs != nil || p.Mapping
	ids := p.IDs
	if ids == nil && p.ID != "" {
		ids = []string{p.ID}
	}
	if len(ids) == 0 {
		return nil, ErrMissingIdentifier
	}

	decoded := make([]string, len(ids))
	for i, id := range ids {
		var err error
		if decoded[i], err = s.decodeID(id, o); err != nil {
			return nil, err
		}
	}

	a, _, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.findByIDs(ctx, a, decoded, multi, p)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		if o.Strict {
			return nil, notFound(s.schema.Name(), ids[0])
		}
		switch {
		case p.Mapping:
			return map[string]any{}, nil
		case multi:
			return []any{}, nil
		default:
			return nil, nil
		}
	}

	if s.hooks.AfterResolve != nil {
		if err := s.hooks.AfterResolve(ctx, decoded, records, p, o); err != nil {
			return nil, err
		}
	}
	entities, err := s.transform(ctx, a, records, p, o)
	if err != nil {
		return nil, err
	}

	switch {
	case p.Mapping:
		out := make(map[string]any, len(records))
		for i, rec := range records {
			key, err := s.encodeID(s.recordID(rec), o)
			if err != nil {
				return nil, err
			}
			out[key] = entities[i]
		}
		return out, nil
	case multi:
		return entities, nil
	default:
		return entities[0], nil
	}
}

// findByIDs applies scopes to p.Query and pins it to the given storage
// identifiers.
func (s *Store) findByIDs(ctx context.Context, a adapter.Adapter, ids []string, multi bool, p Params) ([]adapter.Record, error) {
	q, err := s.buildQuery(ctx, p)
	if err != nil {
		return nil, err
	}
	if q.Filter == nil {
		q.Filter = make(map[string]any, 1)
	}
	col := s.schema.Primary().Column
	if multi {
		in := make([]any, len(ids))
		for i, id := range ids {
			in[i] = id
		}
		q.Filter[col] = map[string]any{adapter.OpIn: in}
	} else {
		q.Filter[col] = ids[0]
		q.Limit = 1
	}
	return a.Find(ctx, q)
}

// resolveRecord returns the raw stored record with the given storage
// identifier, honoring the scopes selected by p.
func (s *Store) resolveRecord(ctx context.Context, a adapter.Adapter, id, publicID string, p Params) (adapter.Record, error) {
	p = s.sanitize(Params{Query: p.Query, Scope: p.Scope}, modeResolve)
	records, err := s.findByIDs(ctx, a, []string{id}, false, p)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, notFound(s.schema.Name(), publicID)
	}
	return records[0], nil
}

// requireID returns the public and storage identifiers addressed by p.
func (s *Store) requireID(p Params, o Options) (public, stored string, err error) {
	if p.ID == "" {
		return "", "", ErrMissingIdentifier
	}
	stored, err = s.decodeID(p.ID, o)
	if err != nil {
		return "", "", err
	}
	return p.ID, stored, nil
}

// byID builds the params of a single-entity flow started by a batch.
func byID(id string, p Params) Params {
	return Params{
		ID:       id,
		Body:     p.Body,
		Fields:   p.Fields,
		Populate: p.Populate,
		Scope:    p.Scope,
	}
}
