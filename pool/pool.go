// Package pool keeps one connected storage adapter per tenant key.
//
// Acquire is get-or-create: the first caller for a key resolves the adapter
// through the factory, registers it, runs the eviction pass and connects. Any
// caller arriving for the same key while that connect is in flight waits on
// the same entry and observes the same handle or the same error.
//
// Eviction removes an entry from the pool before disconnecting it, so an
// evicted handle is never returned by a later Acquire. Evicting an entry that
// is still connecting stops its retry loop; if its connect succeeds anyway the
// handle is disconnected instead of being handed out. Operations already
// running on an evicted handle are not waited for; keep MaxSize above the
// expected number of concurrently active tenants.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/canopy/adapter"
	"github.com/jacentio/canopy/schema"
)

var (
	// ErrConnectFailed is returned when connecting fails and auto-reconnect is off.
	ErrConnectFailed = errors.New("canopy: adapter connect failed")

	// ErrEvicted is returned when an entry leaves the pool before its connect
	// completes. The call can be retried.
	ErrEvicted = errors.New("canopy: adapter evicted before connect completed")
)

// ConnectError carries the tenant key and the underlying connect failure.
type ConnectError struct {
	Key string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("canopy: connect adapter for tenant %q: %v", e.Key, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// State is the lifecycle state of a pool entry.
type State int

const (
	// Absent means no entry exists for the key.
	Absent State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "absent"
	}
}

// Hooks are optional lifecycle callbacks. Nil fields are skipped.
type Hooks struct {
	Connected    func(ctx context.Context, a adapter.Adapter, key string, cfg adapter.Config)
	Disconnected func(ctx context.Context, a adapter.Adapter, key string)
}

type entry struct {
	key         string
	adapter     adapter.Adapter
	lastTouched time.Time
	seq         uint64
	state       State
	ready       chan struct{}
	err         error
	cancel      context.CancelFunc
}

// Manager owns the live adapters of one schema, keyed by tenant.
type Manager struct {
	owner   *schema.Schema
	factory adapter.Factory
	config  Config
	hooks   Hooks
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

// New creates a Manager. Adapters are initialised with owner.
func New(owner *schema.Schema, factory adapter.Factory, config Config, hooks Hooks) *Manager {
	config.validate()
	return &Manager{
		owner:   owner,
		factory: factory,
		config:  config,
		hooks:   hooks,
		clock:   config.Clock,
		logger:  config.Logger,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the connected adapter for key, creating it on first use.
//
// The entry is registered before the factory runs, so Resolve, Init and
// Connect never hold the pool lock. Callers whose entry is evicted or closed
// before its connect completes get ErrEvicted; acquiring again starts over.
func (m *Manager) Acquire(ctx context.Context, key string, cfg adapter.Config) (adapter.Adapter, error) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.lastTouched = m.clock.Now()
		m.mu.Unlock()
		return m.wait(ctx, e)
	}
	m.seq++
	connectCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		key:         key,
		lastTouched: m.clock.Now(),
		seq:         m.seq,
		state:       Connecting,
		ready:       make(chan struct{}),
		cancel:      cancel,
	}
	m.entries[key] = e
	m.mu.Unlock()

	a, err := m.create(key, cfg)

	m.mu.Lock()
	if err == nil && m.entries[key] != e {
		err = evictedError(key)
	}
	if err != nil {
		m.finishLocked(e, err)
		m.mu.Unlock()
		return nil, err
	}
	e.adapter = a
	evicted := m.evictLocked()
	m.mu.Unlock()

	for _, old := range evicted {
		m.logger.Info("evicting adapter", "tenant", old.key, "poolSize", m.config.MaxSize)
		if err := m.release(ctx, old.adapter, old.key); err != nil {
			m.logger.Warn("failed to disconnect evicted adapter", "tenant", old.key, "error", err)
		}
	}

	m.connect(connectCtx, e, cfg)
	return m.wait(ctx, e)
}

func (m *Manager) create(key string, cfg adapter.Config) (adapter.Adapter, error) {
	a, err := m.factory.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve adapter for tenant %q: %w", key, err)
	}
	if err := a.Init(m.owner); err != nil {
		return nil, fmt.Errorf("init adapter for tenant %q: %w", key, err)
	}
	return a, nil
}

func evictedError(key string) error {
	return fmt.Errorf("tenant %q: %w", key, ErrEvicted)
}

func (m *Manager) wait(ctx context.Context, e *entry) (adapter.Adapter, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.adapter, nil
}

// connect runs the retry loop for e and publishes the outcome on e.ready.
// The Connected hook runs before waiters are released. A handle whose entry
// left the pool while connecting is disconnected here.
func (m *Manager) connect(ctx context.Context, e *entry, cfg adapter.Config) {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if m.config.AutoReconnect {
		policy = backoff.NewConstantBackOff(m.config.ReconnectInterval)
	}

	attempt := 1
	err := backoff.RetryNotifyWithTimer(func() error {
		m.logger.Debug("connecting adapter", "tenant", e.key, "attempt", attempt)
		return e.adapter.Connect(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		m.logger.Warn("adapter connect failed, retrying",
			"tenant", e.key,
			"attempt", attempt,
			"retryIn", wait,
			"error", err,
		)
		attempt++
	}, &clockTimer{clock: m.clock})

	connected := err == nil
	hooked := false
	if connected && m.registered(e) {
		m.logger.Info("adapter connected", "tenant", e.key, "attempts", attempt)
		if m.hooks.Connected != nil {
			m.hooks.Connected(ctx, e.adapter, e.key, cfg)
		}
		hooked = true
	}

	m.mu.Lock()
	switch {
	case m.entries[e.key] != e:
		err = evictedError(e.key)
	case err != nil:
		err = &ConnectError{Key: e.key, Err: err}
	}
	if err != nil {
		m.finishLocked(e, err)
	} else {
		e.state = Connected
		close(e.ready)
	}
	m.mu.Unlock()

	switch {
	case err == nil:
	case connected:
		m.logger.Info("disconnecting adapter evicted while connecting", "tenant", e.key)
		if rerr := m.discard(context.WithoutCancel(ctx), e, hooked); rerr != nil {
			m.logger.Warn("failed to disconnect evicted adapter", "tenant", e.key, "error", rerr)
		}
	case errors.Is(err, ErrEvicted):
		m.logger.Debug("adapter evicted while connecting", "tenant", e.key)
	default:
		m.logger.Error("adapter connect failed", "tenant", e.key, "error", err)
	}
}

// discard disconnects a handle that never became available to callers. The
// Disconnected hook only fires when Connected did.
func (m *Manager) discard(ctx context.Context, e *entry, hooked bool) error {
	if hooked {
		return m.release(ctx, e.adapter, e.key)
	}
	if d, ok := e.adapter.(adapter.Disconnector); ok {
		return d.Disconnect(ctx)
	}
	return nil
}

func (m *Manager) registered(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[e.key] == e
}

// finishLocked fails e with err and wakes its waiters. Callers hold m.mu.
func (m *Manager) finishLocked(e *entry, err error) {
	e.state = Failed
	e.err = err
	if m.entries[e.key] == e {
		delete(m.entries, e.key)
	}
	e.cancel()
	close(e.ready)
}

// evictLocked removes the least recently touched entries above MaxSize and
// returns the connected ones for release. Callers hold m.mu.
func (m *Manager) evictLocked() []*entry {
	if m.config.MaxSize <= 0 || len(m.entries) <= m.config.MaxSize {
		return nil
	}
	all := m.byTouchLocked()
	return m.dropLocked(all[:len(all)-m.config.MaxSize])
}

// dropLocked removes entries from the pool and cancels their connect. Only
// connected entries are returned; the others are cleaned up by their own
// connect once it returns. Callers hold m.mu.
func (m *Manager) dropLocked(entries []*entry) []*entry {
	var settled []*entry
	for _, e := range entries {
		if m.entries[e.key] == e {
			delete(m.entries, e.key)
		}
		e.cancel()
		if e.state == Connected {
			settled = append(settled, e)
		}
	}
	return settled
}

// byTouchLocked returns the entries ordered by lastTouched, oldest first, with
// creation order breaking ties.
func (m *Manager) byTouchLocked() []*entry {
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].lastTouched.Equal(all[j].lastTouched) {
			return all[i].seq < all[j].seq
		}
		return all[i].lastTouched.Before(all[j].lastTouched)
	})
	return all
}

// Disconnect removes a from the pool and disconnects it. Unknown handles are
// only reported to the Disconnected hook. A handle that is still connecting
// is disconnected once its connect returns.
func (m *Manager) Disconnect(ctx context.Context, a adapter.Adapter) error {
	m.mu.Lock()
	for _, e := range m.entries {
		if e.adapter != nil && e.adapter == a {
			settled := m.dropLocked([]*entry{e})
			m.mu.Unlock()
			if len(settled) == 0 {
				return nil
			}
			return m.release(ctx, a, e.key)
		}
	}
	m.mu.Unlock()
	return m.release(ctx, a, "")
}

func (m *Manager) release(ctx context.Context, a adapter.Adapter, key string) error {
	var err error
	if d, ok := a.(adapter.Disconnector); ok {
		err = d.Disconnect(ctx)
	}
	if m.hooks.Disconnected != nil {
		m.hooks.Disconnected(ctx, a, key)
	}
	return err
}

// Close empties the pool and disconnects every adapter concurrently. The pool
// accepts new Acquire calls as soon as it has been emptied. Entries still
// connecting fail with ErrEvicted and disconnect when their connect returns.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	settled := m.dropLocked(all)
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range settled {
		g.Go(func() error {
			if err := m.release(ctx, e.adapter, e.key); err != nil {
				return fmt.Errorf("disconnect tenant %q: %w", e.key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Len returns the number of pooled entries, including ones still connecting.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns the pooled tenant keys, least recently touched first.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.byTouchLocked()
	keys := make([]string, len(all))
	for i, e := range all {
		keys[i] = e.key
	}
	return keys
}

// State reports the lifecycle state of key.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.state
	}
	return Absent
}

// clockTimer drives backoff retries from a clock.Clock so tests can advance time.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.Timer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
