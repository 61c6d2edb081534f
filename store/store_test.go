package store_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/adapter/memory"
	"github.com/jacentio/canopy/schema"
	"github.com/jacentio/canopy/scope"
	"github.com/jacentio/canopy/store"
)

// --- Test Schemas ---

var people = schema.MustNew("person", "people", []schema.Field{
	{Name: "id", Primary: true},
	{Name: "name", Column: "full_name"},
	{Name: "age"},
	{Name: "active"},
	{Name: "deletedAt", Column: "deleted_at"},
})

var accounts = schema.MustNew("account", "accounts", []schema.Field{
	{Name: "id", Column: "_id", Primary: true, Secure: true},
	{Name: "owner"},
})

func enc(id string) string {
	s, _ := schema.Base64Codec{}.Encode(id)
	return s
}

// --- Test Doubles ---

// spyAdapter counts the writes that reach the backend.
type spyAdapter struct {
	*memory.Adapter
	updates atomic.Int32
	removes atomic.Int32
}

func (s *spyAdapter) UpdateByID(ctx context.Context, id string, patch adapter.Record) (adapter.Record, error) {
	s.updates.Add(1)
	return s.Adapter.UpdateByID(ctx, id, patch)
}

func (s *spyAdapter) RemoveByID(ctx context.Context, id string) (adapter.Record, error) {
	s.removes.Add(1)
	return s.Adapter.RemoveByID(ctx, id)
}

type spyFactory struct {
	mu         sync.Mutex
	spies      []*spyAdapter
	connectErr error
}

func (f *spyFactory) Resolve(adapter.Config) (adapter.Adapter, error) {
	a := &spyAdapter{Adapter: memory.New()}
	if f.connectErr != nil {
		a.ConnectFunc = func(context.Context) error { return f.connectErr }
	}
	f.mu.Lock()
	f.spies = append(f.spies, a)
	f.mu.Unlock()
	return a, nil
}

func (f *spyFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spies)
}

func (f *spyFactory) only(t *testing.T) *spyAdapter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spies) != 1 {
		t.Fatalf("expected exactly 1 adapter, got %d", len(f.spies))
	}
	return f.spies[0]
}

type recorder struct {
	mu      sync.Mutex
	changes []store.Change
	err     error
}

func (r *recorder) Notify(ctx context.Context, c store.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return r.err
}

func (r *recorder) types() []store.ChangeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.ChangeType, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Type
	}
	return out
}

func (r *recorder) last(t *testing.T) store.Change {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		t.Fatal("expected a change notification")
	}
	return r.changes[len(r.changes)-1]
}

// --- Fixture ---

type fixture struct {
	store   *store.Store
	factory *spyFactory
	cache   *recorder
	events  *recorder
}

func newFixture(t *testing.T, s *schema.Schema, mutate func(*store.Config), opts ...store.Option) *fixture {
	t.Helper()
	f := &fixture{factory: &spyFactory{}, cache: &recorder{}, events: &recorder{}}
	cfg := store.DefaultConfig(adapter.Config{Kind: "memory"})
	cfg.Cache, cfg.Events = f.cache, f.events
	if mutate != nil {
		mutate(&cfg)
	}
	f.store = store.New(s, f.factory, cfg, opts...)
	t.Cleanup(func() { _ = f.store.Close(context.Background()) })
	return f
}

func seedPeople(t *testing.T, st *store.Store) {
	t.Helper()
	_, err := st.CreateMany(context.Background(), store.Params{Bodies: []map[string]any{
		{"id": "p1", "name": "Ada", "age": 36, "active": true},
		{"id": "p2", "name": "Grace", "age": 85, "active": false},
		{"id": "p3", "name": "Alan", "age": 41, "active": true},
	}}, store.Options{})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func idsOf(t *testing.T, entities []any) []string {
	t.Helper()
	out := make([]string, len(entities))
	for i, e := range entities {
		m, ok := e.(map[string]any)
		if !ok {
			t.Fatalf("entity %d is %T, expected map", i, e)
		}
		out[i], _ = m["id"].(string)
	}
	return out
}

func field(t *testing.T, entity any, name string) any {
	t.Helper()
	m, ok := entity.(map[string]any)
	if !ok {
		t.Fatalf("entity is %T, expected map", entity)
	}
	return m[name]
}

// --- Reads ---

func TestFind_TranslatesFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	got, err := f.store.Find(ctx, store.Params{
		Query: map[string]any{"name": map[string]any{"in": []any{"Ada", "Grace"}}},
		Sort:  []string{"-age"},
	}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"p2", "p1"}, idsOf(t, got)); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
	if field(t, got[0], "name") != "Grace" {
		t.Errorf("expected logical field name in result, got %v", got[0])
	}
	if field(t, got[0], "full_name") != nil {
		t.Error("column name leaked into entity")
	}
}

func TestFind_Projection(t *testing.T) {
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	got, err := f.store.Find(context.Background(), store.Params{Fields: []string{"name"}, Sort: []string{"id"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"id": "p1", "name": "Ada"}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("unexpected projection (-want +got):\n%s", diff)
	}
}

func TestFind_Scopes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		bypass bool
		sel    scope.Selector
		want   []string
	}{
		{"default scope applied", true, scope.Selector{}, []string{"p1", "p3"}},
		{"bypass authorized", true, scope.None(), []string{"p1", "p2", "p3"}},
		{"bypass denied falls back to defaults", false, scope.None(), []string{"p1", "p3"}},
		{"explicit scope", true, scope.Names("senior"), []string{"p2", "p3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := scope.NewResolver()
			_ = r.Register("active", scope.Definition{Filter: map[string]any{"active": true}})
			_ = r.Register("senior", scope.Definition{Filter: map[string]any{"age": map[string]any{"gt": 40}}})
			_ = r.SetDefaults("active")
			r.AuthorizeBypass = func(context.Context) bool { return tt.bypass }

			f := newFixture(t, people, nil, store.WithScopes(r))
			seedPeople(t, f.store)

			got, err := f.store.Find(ctx, store.Params{Scope: tt.sel, Sort: []string{"id"}}, store.Options{})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, idsOf(t, got)); diff != "" {
				t.Errorf("unexpected ids (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFind_Pagination(t *testing.T) {
	tests := []struct {
		name   string
		params store.Params
		want   []string
	}{
		{"max limit caps unbounded read", store.Params{}, []string{"p1", "p2"}},
		{"max limit caps large limit", store.Params{Limit: 50}, []string{"p1", "p2"}},
		{"limit and offset", store.Params{Limit: 1, Offset: 1}, []string{"p2"}},
		{"page and page size", store.Params{Page: 2, PageSize: 2}, []string{"p3"}},
		{"page uses default page size", store.Params{Page: 3}, []string{"p3"}},
		{"negative values clamp", store.Params{Limit: -4, Offset: -1}, []string{"p1", "p2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, people, func(c *store.Config) {
				c.MaxLimit = 2
				c.DefaultPageSize = 1
			})
			seedPeople(t, f.store)

			got, err := f.store.Find(context.Background(), tt.params, store.Options{})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, idsOf(t, got)); diff != "" {
				t.Errorf("unexpected ids (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCount_IgnoresPagination(t *testing.T) {
	f := newFixture(t, people, func(c *store.Config) { c.MaxLimit = 1 })
	seedPeople(t, f.store)

	n, err := f.store.Count(context.Background(), store.Params{Limit: 1, Page: 2, PageSize: 1}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
}

func TestFindOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	got, err := f.store.FindOne(ctx, store.Params{Query: map[string]any{"name": "Alan"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if field(t, got, "id") != "p3" {
		t.Errorf("expected p3, got %v", got)
	}

	got, err = f.store.FindOne(ctx, store.Params{Query: map[string]any{"name": "Nobody"}}, store.Options{})
	if err != nil || got != nil {
		t.Errorf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	s, err := f.store.Stream(ctx, store.Params{Sort: []string{"age"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	var names []any
	for entity, err := range s.All(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, field(t, entity, "name"))
	}
	if diff := cmp.Diff([]any{"Ada", "Alan", "Grace"}, names); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	if _, err := s.Next(ctx); err == nil {
		t.Error("expected exhausted stream after All")
	}
}

func TestStream_EarlyBreak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	s, err := f.store.Stream(ctx, store.Params{}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for range s.All(ctx) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("expected 1 element, got %d", n)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

// --- Resolve ---

func seedAccounts(t *testing.T, st *store.Store) {
	t.Helper()
	_, err := st.CreateMany(context.Background(), store.Params{Bodies: []map[string]any{
		{"id": enc("a1"), "owner": "ada"},
		{"id": enc("a2"), "owner": "grace"},
	}}, store.Options{})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestResolve_Shapes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, accounts, nil)
	seedAccounts(t, f.store)

	single, err := f.store.Resolve(ctx, store.Params{ID: enc("a1")}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"id": enc("a1"), "owner": "ada"}, single); diff != "" {
		t.Errorf("unexpected single result (-want +got):\n%s", diff)
	}

	list, err := f.store.Resolve(ctx, store.Params{IDs: []string{enc("a1"), enc("a2")}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := list.([]any); !ok || len(got) != 2 {
		t.Errorf("expected two entities, got %v", list)
	}

	mapping, err := f.store.Resolve(ctx, store.Params{
		IDs:     []string{enc("a1"), enc("a2"), enc("missing")},
		Mapping: true,
	}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		enc("a1"): map[string]any{"id": enc("a1"), "owner": "ada"},
		enc("a2"): map[string]any{"id": enc("a2"), "owner": "grace"},
	}
	if diff := cmp.Diff(want, mapping); diff != "" {
		t.Errorf("unexpected mapping (-want +got):\n%s", diff)
	}
}

func TestResolve_Empty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, accounts, nil)
	seedAccounts(t, f.store)
	missing := enc("missing")

	tests := []struct {
		name   string
		params store.Params
		want   any
	}{
		{"single", store.Params{ID: missing}, nil},
		{"list", store.Params{IDs: []string{missing}}, []any{}},
		{"mapping", store.Params{IDs: []string{missing}, Mapping: true}, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.store.Resolve(ctx, tt.params, store.Options{})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected result (-want +got):\n%s", diff)
			}

			_, err = f.store.Resolve(ctx, tt.params, store.Options{Strict: true})
			if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("strict: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestResolve_MissingIdentifier(t *testing.T) {
	f := newFixture(t, accounts, nil)
	_, err := f.store.Resolve(context.Background(), store.Params{}, store.Options{})
	if !errors.Is(err, store.ErrMissingIdentifier) {
		t.Errorf("expected ErrMissingIdentifier, got %v", err)
	}
	if f.factory.count() != 0 {
		t.Error("expected no adapter before the identifier check")
	}
}

func TestResolve_InvalidSecureIdentifier(t *testing.T) {
	f := newFixture(t, accounts, nil)
	_, err := f.store.Resolve(context.Background(), store.Params{ID: "***"}, store.Options{})
	if !errors.Is(err, schema.ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestResolve_SkipDecode(t *testing.T) {
	f := newFixture(t, accounts, nil)
	seedAccounts(t, f.store)

	got, err := f.store.Resolve(context.Background(), store.Params{ID: "a1"}, store.Options{SkipDecode: true, SkipTransform: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(adapter.Record{"_id": "a1", "owner": "ada"}, got); diff != "" {
		t.Errorf("unexpected raw record (-want +got):\n%s", diff)
	}
}

func TestResolve_AfterResolveHook(t *testing.T) {
	var gotIDs []string
	var gotRecords int
	f := newFixture(t, accounts, nil, store.WithHooks(store.Hooks{
		AfterResolve: func(ctx context.Context, ids []string, records []adapter.Record, p store.Params, o store.Options) error {
			gotIDs, gotRecords = ids, len(records)
			return nil
		},
	}))
	seedAccounts(t, f.store)

	_, err := f.store.Resolve(context.Background(), store.Params{IDs: []string{enc("a1"), enc("zz")}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a1", "zz"}, gotIDs); diff != "" {
		t.Errorf("hook should see decoded ids (-want +got):\n%s", diff)
	}
	if gotRecords != 1 {
		t.Errorf("expected 1 record, got %d", gotRecords)
	}
}

// --- Writes ---

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)

	got, err := f.store.Create(ctx, store.Params{Body: map[string]any{"id": "p9", "name": "Linus"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"id": "p9", "name": "Linus"}, got); diff != "" {
		t.Errorf("unexpected entity (-want +got):\n%s", diff)
	}

	for _, r := range []*recorder{f.cache, f.events} {
		c := r.last(t)
		if c.Type != store.ChangeCreate || c.Schema != "person" || c.Tenant != store.DefaultTenant || c.Batch {
			t.Errorf("unexpected change %+v", c)
		}
		if diff := cmp.Diff(got, c.Data); diff != "" {
			t.Errorf("change data mismatch (-want +got):\n%s", diff)
		}
	}

	raw, _ := f.factory.only(t).FindOne(ctx, adapter.Query{Filter: map[string]any{"id": "p9"}})
	if raw["full_name"] != "Linus" {
		t.Errorf("expected column name in storage, got %v", raw)
	}
}

func TestCreate_SecureIdentifierDecoded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, accounts, nil)

	got, err := f.store.Create(ctx, store.Params{Body: map[string]any{"id": enc("a7"), "owner": "ada"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if field(t, got, "id") != enc("a7") {
		t.Errorf("expected encoded id, got %v", got)
	}
	raw, _ := f.factory.only(t).FindOne(ctx, adapter.Query{Filter: map[string]any{"_id": "a7"}})
	if raw == nil {
		t.Error("expected decoded id in storage")
	}
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	var seen store.ValidateOptions
	v := store.ValidatorFunc(func(ctx context.Context, body map[string]any, opts store.ValidateOptions) (map[string]any, error) {
		seen = opts
		if body["name"] == nil {
			return nil, &store.ValidationError{Fields: map[string]string{"name": "required"}}
		}
		out := map[string]any{"name": body["name"], "active": true}
		return out, nil
	})
	f := newFixture(t, people, func(c *store.Config) { c.NestedFieldSupport = true }, store.WithValidator(v))

	_, err := f.store.Create(ctx, store.Params{Body: map[string]any{}}, store.Options{})
	if !errors.Is(err, store.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	var ve *store.ValidationError
	if !errors.As(err, &ve) || ve.Fields["name"] != "required" {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if len(f.events.types()) != 0 {
		t.Error("rejected create must not notify")
	}

	got, err := f.store.Create(ctx, store.Params{Body: map[string]any{"name": "Ada", "extra": 1}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if field(t, got, "active") != true || field(t, got, "extra") != nil {
		t.Errorf("expected validator output to be stored, got %v", got)
	}
	if seen.Type != store.ChangeCreate || !seen.NestedFieldSupport {
		t.Errorf("unexpected validate options %+v", seen)
	}
}

func TestCreateMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)

	bodies := []map[string]any{{"id": "b1"}, {"id": "b2"}, {"id": "b3"}}
	got, err := f.store.CreateMany(ctx, store.Params{Bodies: bodies}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil without ReturnEntities, got %v", got)
	}
	if c := f.events.last(t); c.Type != store.ChangeCreate || !c.Batch {
		t.Errorf("expected batch create change, got %+v", c)
	}

	bodies = []map[string]any{{"id": "c1"}, {"id": "c2"}, {"id": "c3"}}
	got, err = f.store.CreateMany(ctx, store.Params{Bodies: bodies}, store.Options{ReturnEntities: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c1", "c2", "c3"}, idsOf(t, got)); diff != "" {
		t.Errorf("expected input order (-want +got):\n%s", diff)
	}
}

func TestCreateMany_AbortsOnInvalidElement(t *testing.T) {
	ctx := context.Background()
	v := store.ValidatorFunc(func(ctx context.Context, body map[string]any, opts store.ValidateOptions) (map[string]any, error) {
		if body["id"] == "bad" {
			return nil, &store.ValidationError{}
		}
		return body, nil
	})
	f := newFixture(t, people, nil, store.WithValidator(v))

	_, err := f.store.CreateMany(ctx, store.Params{Bodies: []map[string]any{{"id": "ok"}, {"id": "bad"}}}, store.Options{})
	if !errors.Is(err, store.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if n, _ := f.store.Count(ctx, store.Params{}, store.Options{}); n != 0 {
		t.Errorf("expected nothing inserted, got %d", n)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	var seen store.ValidateOptions
	v := store.ValidatorFunc(func(ctx context.Context, body map[string]any, opts store.ValidateOptions) (map[string]any, error) {
		seen = opts
		return body, nil
	})
	f := newFixture(t, people, nil, store.WithValidator(v))
	seedPeople(t, f.store)

	got, err := f.store.Update(ctx, store.Params{ID: "p1", Body: map[string]any{"id": "hijack", "age": 37}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if field(t, got, "id") != "p1" || field(t, got, "age") != 37 || field(t, got, "name") != "Ada" {
		t.Errorf("unexpected entity %v", got)
	}
	if seen.Type != store.ChangeUpdate || seen.OldEntity["full_name"] != "Ada" {
		t.Errorf("validator should receive the stored record, got %+v", seen)
	}
	if c := f.events.last(t); c.Type != store.ChangeUpdate {
		t.Errorf("expected update change, got %+v", c)
	}
}

func TestUpdate_EmptyPatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)
	spy := f.factory.only(t)
	before := len(f.events.types())

	got, err := f.store.Update(ctx, store.Params{ID: "p1", Body: map[string]any{"id": "p1"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if field(t, got, "name") != "Ada" {
		t.Errorf("expected existing entity, got %v", got)
	}
	if spy.updates.Load() != 0 {
		t.Errorf("expected no adapter write, got %d", spy.updates.Load())
	}
	if len(f.events.types()) != before {
		t.Errorf("expected no change notification, got %v", f.events.types())
	}
}

func TestUpdate_RawSkipsValidation(t *testing.T) {
	called := false
	v := store.ValidatorFunc(func(ctx context.Context, body map[string]any, opts store.ValidateOptions) (map[string]any, error) {
		called = true
		return body, nil
	})
	f := newFixture(t, people, nil, store.WithValidator(v))
	seedPeople(t, f.store)
	called = false

	if _, err := f.store.Update(context.Background(), store.Params{ID: "p1", Body: map[string]any{"age": 1}}, store.Options{Raw: true}); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("validator must not run in raw mode")
	}
}

func TestUpdate_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)

	if _, err := f.store.Update(ctx, store.Params{Body: map[string]any{"age": 1}}, store.Options{}); !errors.Is(err, store.ErrMissingIdentifier) {
		t.Errorf("expected ErrMissingIdentifier, got %v", err)
	}
	if f.factory.count() != 0 {
		t.Error("expected no adapter before the identifier check")
	}
	if _, err := f.store.Update(ctx, store.Params{ID: "nope", Body: map[string]any{"age": 1}}, store.Options{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_OutOfScope(t *testing.T) {
	r := scope.NewResolver()
	_ = r.Register("active", scope.Definition{Filter: map[string]any{"active": true}})
	_ = r.SetDefaults("active")
	f := newFixture(t, people, nil, store.WithScopes(r))
	seedPeople(t, f.store)

	_, err := f.store.Update(context.Background(), store.Params{ID: "p2", Body: map[string]any{"age": 1}}, store.Options{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected scoped-out entity to be not found, got %v", err)
	}
}

func TestUpdateMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	got, err := f.store.UpdateMany(ctx, store.Params{
		Query: map[string]any{"active": true},
		Body:  map[string]any{"age": 50},
	}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"p1", "p3"}, idsOf(t, got)); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
	for _, e := range got {
		if field(t, e, "age") != 50 {
			t.Errorf("expected age 50, got %v", e)
		}
	}
}

func TestUpdateMany_BeyondMaxLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, func(c *store.Config) { c.MaxLimit = 2 })
	seedPeople(t, f.store)

	got, err := f.store.UpdateMany(ctx, store.Params{Body: map[string]any{"age": 1}, Page: 2, PageSize: 1}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("expected all 3 entities updated, got %d", len(got))
	}
	n, err := f.store.Count(ctx, store.Params{Query: map[string]any{"age": 1}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 entities with age 1, got %d", n)
	}

	limited, err := f.store.UpdateMany(ctx, store.Params{Body: map[string]any{"age": 2}, Limit: 1}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("expected an explicit limit to bound the batch, got %d", len(limited))
	}
}

func TestUpdateMany_SecureIdentifiers(t *testing.T) {
	f := newFixture(t, accounts, nil)
	seedAccounts(t, f.store)

	got, err := f.store.UpdateMany(context.Background(), store.Params{Body: map[string]any{"owner": "x"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{enc("a1"), enc("a2")}, idsOf(t, got)); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	got, err := f.store.Replace(ctx, store.Params{ID: "p1", Body: map[string]any{"id": "zz", "name": "Augusta"}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]any{"id": "p1", "name": "Augusta"}, got); diff != "" {
		t.Errorf("unexpected entity (-want +got):\n%s", diff)
	}
	if c := f.events.last(t); c.Type != store.ChangeReplace {
		t.Errorf("expected replace change, got %+v", c)
	}
	if _, err := f.store.Replace(ctx, store.Params{ID: "nope"}, store.Options{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)
	spy := f.factory.only(t)

	id, err := f.store.Remove(ctx, store.Params{ID: "p1"}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if id != "p1" {
		t.Errorf("expected p1, got %s", id)
	}
	if spy.removes.Load() != 1 {
		t.Errorf("expected physical delete, got %d", spy.removes.Load())
	}
	if c := f.events.last(t); c.Type != store.ChangeRemove || c.SoftDelete {
		t.Errorf("expected hard remove change, got %+v", c)
	}
	if _, err := f.store.Remove(ctx, store.Params{ID: "p1"}, store.Options{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove_SoftDelete(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := newFixture(t, accounts, func(c *store.Config) {
		c.SoftDelete = &store.SoftDelete{Field: "deletedAt"}
		c.Pool.Clock = mock
	})
	seedAccounts(t, f.store)
	spy := f.factory.only(t)

	id, err := f.store.Remove(ctx, store.Params{ID: enc("a1")}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if id != enc("a1") {
		t.Errorf("expected the original identifier, got %s", id)
	}
	if spy.updates.Load() != 1 || spy.removes.Load() != 0 {
		t.Errorf("expected an update and no delete, got %d updates %d removes", spy.updates.Load(), spy.removes.Load())
	}

	raw, _ := spy.FindOne(ctx, adapter.Query{Filter: map[string]any{"_id": "a1"}})
	deletedAt, ok := raw["deletedAt"].(time.Time)
	if !ok || !deletedAt.Equal(mock.Now()) {
		t.Errorf("expected record marked deleted at %v, got %v", mock.Now(), raw)
	}
	if c := f.events.last(t); c.Type != store.ChangeRemove || !c.SoftDelete {
		t.Errorf("expected soft remove change, got %+v", c)
	}
}

func TestRemoveMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	got, err := f.store.RemoveMany(ctx, store.Params{Query: map[string]any{"age": map[string]any{"gt": 40}}}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"p2", "p3"}, got); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
	if n, _ := f.store.Count(ctx, store.Params{}, store.Options{}); n != 1 {
		t.Errorf("expected 1 remaining, got %d", n)
	}
}

func TestRemoveMany_BeyondMaxLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, func(c *store.Config) { c.MaxLimit = 2 })
	seedPeople(t, f.store)

	got, err := f.store.RemoveMany(ctx, store.Params{}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"p1", "p2", "p3"}, got); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
	if n, _ := f.store.Count(ctx, store.Params{}, store.Options{}); n != 0 {
		t.Errorf("expected nothing left, got %d", n)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)
	seedPeople(t, f.store)

	if err := f.store.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.store.Count(ctx, store.Params{}, store.Options{}); n != 0 {
		t.Errorf("expected empty, got %d", n)
	}
	c := f.cache.last(t)
	if c.Type != store.ChangeClear || c.Data != nil {
		t.Errorf("expected clear change with nil data, got %+v", c)
	}
}

func TestCreateIndexes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, people, nil)

	err := f.store.CreateIndexes(ctx,
		store.IndexSpec{Name: "by_name", Fields: map[string]any{"name": -1}},
		store.IndexSpec{Name: "by_age", Fields: []string{"age", "active"}, Unique: true},
	)
	if err != nil {
		t.Fatal(err)
	}

	got := f.factory.only(t).Indexes()
	sort.Slice(got, func(i, j int) bool { return got[i].Name < got[j].Name })
	want := []adapter.Index{
		{Name: "by_age", Keys: []schema.IndexKey{{Column: "age"}, {Column: "active"}}, Unique: true},
		{Name: "by_name", Keys: []schema.IndexKey{{Column: "full_name", Descending: true}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected indexes (-want +got):\n%s", diff)
	}
}

// --- Tenancy and Failures ---

type tenantKey struct{}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t, people, func(c *store.Config) {
		c.TenantKey = func(ctx context.Context) string {
			v, _ := ctx.Value(tenantKey{}).(string)
			return v
		}
	})
	acme := context.WithValue(context.Background(), tenantKey{}, "acme")
	globex := context.WithValue(context.Background(), tenantKey{}, "globex")

	if _, err := f.store.Create(acme, store.Params{Body: map[string]any{"id": "x"}}, store.Options{}); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.store.Count(globex, store.Params{}, store.Options{}); n != 0 {
		t.Errorf("tenant globex should not see acme data, got %d", n)
	}
	if n, _ := f.store.Count(acme, store.Params{}, store.Options{}); n != 1 {
		t.Errorf("expected 1 for acme, got %d", n)
	}
	if f.factory.count() != 2 {
		t.Errorf("expected one adapter per tenant, got %d", f.factory.count())
	}
	if c := f.events.last(t); c.Tenant != "acme" {
		t.Errorf("expected tenant on change, got %q", c.Tenant)
	}
}

func TestConnectFailed(t *testing.T) {
	f := &spyFactory{connectErr: errors.New("connection refused")}
	cfg := store.DefaultConfig(adapter.Config{Kind: "memory"})
	cfg.Pool.AutoReconnect = false
	st := store.New(people, f, cfg)
	defer st.Close(context.Background())

	_, err := st.Find(context.Background(), store.Params{}, store.Options{})
	if !errors.Is(err, store.ErrConnectFailed) {
		t.Errorf("expected ErrConnectFailed, got %v", err)
	}
}

func TestSinkErrorPropagates(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("sink down")
	f := newFixture(t, people, nil)
	f.cache.err = boom

	if _, err := f.store.Create(ctx, store.Params{Body: map[string]any{"id": "x"}}, store.Options{}); !errors.Is(err, boom) {
		t.Errorf("expected sink error, got %v", err)
	}
	if n, _ := f.store.Count(ctx, store.Params{}, store.Options{}); n != 1 {
		t.Errorf("write is not undone by a sink error, got count %d", n)
	}
}

func TestAdapterHooks(t *testing.T) {
	var connected, disconnected atomic.Int32
	f := newFixture(t, people, nil, store.WithHooks(store.Hooks{
		AdapterConnected: func(ctx context.Context, a adapter.Adapter, tenant string, cfg adapter.Config) {
			if tenant == store.DefaultTenant && cfg.Kind == "memory" {
				connected.Add(1)
			}
		},
		AdapterDisconnected: func(ctx context.Context, a adapter.Adapter, tenant string) {
			disconnected.Add(1)
		},
	}))

	if _, err := f.store.Count(context.Background(), store.Params{}, store.Options{}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if connected.Load() != 1 || disconnected.Load() != 1 {
		t.Errorf("expected one connect and one disconnect, got %d and %d", connected.Load(), disconnected.Load())
	}
}
