package store

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/jacentio/canopy/adapter"
)

// Stream is a single-pass sequence of transformed entities. Records are pulled
// from the adapter cursor one at a time, so a slow consumer slows the read.
type Stream struct {
	cursor    adapter.Cursor
	transform func(ctx context.Context, rec adapter.Record) (any, error)
	closed    bool
}

// Next returns the next entity, or io.EOF when the stream is exhausted.
func (s *Stream) Next(ctx context.Context) (any, error) {
	if s.closed {
		return nil, io.EOF
	}
	rec, err := s.cursor.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.transform(ctx, rec)
}

// All ranges over the remaining entities and closes the stream when the loop
// ends. Iteration stops after the first error.
func (s *Stream) All(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		defer s.Close()
		for {
			entity, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(entity, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the adapter cursor. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cursor.Close()
}
