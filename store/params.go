package store

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/jacentio/canopy/scope"
)

// Params is the normalized request shape of every operation.
type Params struct {
	// ID addresses a single entity. IDs addresses several.
	ID  string
	IDs []string

	// Query is a logical filter. See package adapter for operator syntax.
	Query map[string]any

	// Body is the write payload of Create, Update and Replace. Bodies is the
	// payload of CreateMany.
	Body   map[string]any
	Bodies []map[string]any

	Sort         []string
	Fields       []string
	Populate     []string
	SearchFields []string
	Search       string

	Scope scope.Selector

	Limit    int
	Offset   int
	Page     int
	PageSize int

	// Mapping makes Resolve return a map keyed by identifier.
	Mapping bool
}

// ParseParams converts loosely typed request input, such as decoded JSON or
// URL query values, into Params. List fields accept a slice or a comma
// delimited string. Numeric fields accept numbers or numeric strings. scope
// accepts a name, a list of names or false.
func ParseParams(in map[string]any) (Params, error) {
	var p Params
	var err error

	for key, v := range in {
		switch key {
		case "id":
			p.ID, err = cast.ToStringE(v)
		case "ids":
			p.IDs, err = parseList(v)
		case "query":
			p.Query, err = cast.ToStringMapE(v)
		case "body":
			p.Body, err = cast.ToStringMapE(v)
		case "bodies":
			p.Bodies, err = parseBodies(v)
		case "sort":
			p.Sort, err = parseList(v)
		case "fields":
			p.Fields, err = parseList(v)
		case "populate":
			p.Populate, err = parseList(v)
		case "searchFields":
			p.SearchFields, err = parseList(v)
		case "search":
			p.Search, err = cast.ToStringE(v)
		case "scope":
			p.Scope, err = parseScope(v)
		case "limit":
			p.Limit, err = cast.ToIntE(v)
		case "offset":
			p.Offset, err = cast.ToIntE(v)
		case "page":
			p.Page, err = cast.ToIntE(v)
		case "pageSize":
			p.PageSize, err = cast.ToIntE(v)
		case "mapping":
			p.Mapping, err = cast.ToBoolE(v)
		}
		if err != nil {
			return Params{}, fmt.Errorf("canopy: param %q: %w", key, err)
		}
	}
	return p, nil
}

func parseList(v any) ([]string, error) {
	if s, ok := v.(string); ok {
		return splitList(strings.Split(s, ",")), nil
	}
	list, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, err
	}
	return splitList(list), nil
}

func parseBodies(v any) ([]map[string]any, error) {
	items, err := cast.ToSliceE(v)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(items))
	for i, item := range items {
		if out[i], err = cast.ToStringMapE(item); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

func parseScope(v any) (scope.Selector, error) {
	switch v := v.(type) {
	case bool:
		if !v {
			return scope.None(), nil
		}
		return scope.Selector{}, nil
	case string:
		if v == "false" {
			return scope.None(), nil
		}
	}
	names, err := parseList(v)
	if err != nil {
		return scope.Selector{}, err
	}
	return scope.Names(names...), nil
}

// splitList trims every element and drops empty ones. A nil input stays nil.
func splitList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type sanitizeMode int

const (
	modeList sanitizeMode = iota
	modeSingle
	modeCount
	modeResolve
	modeMatch
)

// sanitize returns a normalized copy of p for the given read mode.
func (s *Store) sanitize(p Params, mode sanitizeMode) Params {
	p.IDs = splitList(p.IDs)
	p.Sort = splitList(p.Sort)
	p.Fields = splitList(p.Fields)
	p.Populate = splitList(p.Populate)
	p.SearchFields = splitList(p.SearchFields)
	p.Search = strings.TrimSpace(p.Search)
	p.ID = strings.TrimSpace(p.ID)

	p.Limit = max(p.Limit, 0)
	p.Offset = max(p.Offset, 0)
	p.Page = max(p.Page, 0)
	p.PageSize = max(p.PageSize, 0)

	switch mode {
	case modeList:
		if p.Page > 0 || p.PageSize > 0 {
			size := p.PageSize
			if size == 0 {
				size = s.config.DefaultPageSize
			}
			p.Limit = size
			p.Offset = (max(p.Page, 1) - 1) * size
		}
		if limit := s.config.MaxLimit; limit > 0 && (p.Limit == 0 || p.Limit > limit) {
			p.Limit = limit
		}
	case modeSingle:
		p.Limit, p.Offset = 1, 0
	case modeCount, modeResolve:
		p.Limit, p.Offset = 0, 0
	case modeMatch:
		if limit := s.config.MaxLimit; limit > 0 && p.Limit > limit {
			p.Limit = limit
		}
	}
	p.Page, p.PageSize = 0, 0
	return p
}
