package store

import "context"

// ChangeType names the kind of write that produced a Change.
type ChangeType string

const (
	ChangeCreate  ChangeType = "create"
	ChangeUpdate  ChangeType = "update"
	ChangeReplace ChangeType = "replace"
	ChangeRemove  ChangeType = "remove"
	ChangeClear   ChangeType = "clear"
)

// Change describes one completed write.
type Change struct {
	Type ChangeType `json:"type"`

	// Schema is the entity name of the Store that wrote.
	Schema string `json:"schema"`
	Tenant string `json:"tenant"`

	// Data is the written entity, or the slice of entities for a batch. It is
	// nil for clear.
	Data any `json:"data,omitempty"`

	Batch      bool `json:"batch,omitempty"`
	SoftDelete bool `json:"softDelete,omitempty"`
}

// ChangeSink receives change notifications. An error fails the operation that
// produced the change; the write itself is not undone.
type ChangeSink interface {
	Notify(ctx context.Context, c Change) error
}

// ChangeSinkFunc adapts a function to ChangeSink.
type ChangeSinkFunc func(ctx context.Context, c Change) error

func (f ChangeSinkFunc) Notify(ctx context.Context, c Change) error { return f(ctx, c) }

func (s *Store) notify(ctx context.Context, tenant string, c Change) error {
	c.Schema = s.schema.Name()
	c.Tenant = tenant
	for _, sink := range []ChangeSink{s.config.Cache, s.config.Events} {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
