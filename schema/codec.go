package schema

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidIdentifier is returned when a secure identifier cannot be decoded.
var ErrInvalidIdentifier = errors.New("canopy: invalid identifier")

// IDCodec encodes identifiers for the outside world and decodes them back.
// Implementations must be deterministic: Decode(Encode(id)) == id and equal ids
// always encode to equal strings.
type IDCodec interface {
	Encode(id string) (string, error)
	Decode(s string) (string, error)
}

// Base64Codec encodes identifiers as unpadded URL-safe base64.
type Base64Codec struct{}

var _ IDCodec = Base64Codec{}

func (Base64Codec) Encode(id string) (string, error) {
	return base64.RawURLEncoding.EncodeToString([]byte(id)), nil
}

func (Base64Codec) Decode(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return string(b), nil
}

// NoopCodec passes identifiers through unchanged.
type NoopCodec struct{}

var _ IDCodec = NoopCodec{}

func (NoopCodec) Encode(id string) (string, error) { return id, nil }
func (NoopCodec) Decode(s string) (string, error)  { return s, nil }

// EncodeID encodes id when the primary field is secure.
func (s *Schema) EncodeID(id string) (string, error) {
	if !s.primary.Secure {
		return id, nil
	}
	return s.codec.Encode(id)
}

// DecodeID decodes id when the primary field is secure.
func (s *Schema) DecodeID(id string) (string, error) {
	if !s.primary.Secure {
		return id, nil
	}
	return s.codec.Decode(id)
}
