package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/logging"
)

// dfCacheLifetime bounds how stale a cached disk-usage reading may be.
const dfCacheLifetime = 30 * time.Second

// Entry pairs a catalog store record with its driver and a short-lived
// disk-usage cache.
type Entry struct {
	Store  catalog.Store
	Driver Driver

	now func() time.Time

	mu     sync.Mutex
	df     SpaceInfo
	dfTime time.Time
}

// SpaceInfo returns disk usage for the store, hitting the host at most once
// per cache lifetime.
func (e *Entry) SpaceInfo(ctx context.Context) (SpaceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.dfTime.IsZero() && e.now().Sub(e.dfTime) < dfCacheLifetime {
		return e.df, nil
	}
	info, err := e.Driver.DF(ctx)
	if err != nil {
		return SpaceInfo{}, fmt.Errorf("df on store %q: %w", e.Store.Name, err)
	}
	e.df = info
	e.dfTime = e.now()
	return info, nil
}

// Registry holds the drivers for every store the catalog knows about.
type Registry struct {
	logger    *slog.Logger
	newDriver func(catalog.Store) Driver
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
}

// RegistryOption tweaks registry construction.
type RegistryOption func(*Registry)

// WithDriverFactory substitutes driver construction; tests install fakes.
func WithDriverFactory(f func(catalog.Store) Driver) RegistryOption {
	return func(r *Registry) { r.newDriver = f }
}

// WithClock substitutes the wall clock used for DF caching.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    logging.Default(logger).With("component", "store"),
		newDriver: DefaultDriver,
		now:       time.Now,
		entries:   make(map[string]*Entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DefaultDriver picks the shell transport for a store: local commands when
// the store has no SSH host (or is this machine), SSH otherwise.
func DefaultDriver(st catalog.Store) Driver {
	switch st.SSHHost {
	case "", "localhost", "127.0.0.1":
		return newShellDriver(localShell{}, st.PathPrefix)
	default:
		return newShellDriver(newSSHShell(st.SSHHost), st.PathPrefix)
	}
}

// Add registers or replaces the entry for a store.
func (r *Registry) Add(st catalog.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[st.Name] = &Entry{Store: st, Driver: r.newDriver(st), now: r.now}
	r.logger.Debug("store registered", "name", st.Name, "ssh_host", st.SSHHost)
}

// SetAvailable flips the cached availability flag for a store.
func (r *Registry) SetAvailable(name string, available bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if ok {
		e.Store.Available = available
	}
	return ok
}

// Get looks an entry up by store name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// ByID looks an entry up by catalog store id.
func (r *Registry) ByID(id int64) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Store.ID == id {
			return e, true
		}
	}
	return nil, false
}

// List returns all entries in name order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Store.Name < out[j].Store.Name })
	return out
}

// Recommended picks the available store with the most free space that can
// hold size bytes. Stores whose DF probe fails are skipped.
func (r *Registry) Recommended(ctx context.Context, size int64) (*Entry, error) {
	if size < 0 {
		return nil, fmt.Errorf("requested size must be nonnegative, got %d", size)
	}

	var best *Entry
	var bestAvail int64 = -1
	for _, e := range r.List() {
		if !e.Store.Available {
			continue
		}
		info, err := e.SpaceInfo(ctx)
		if err != nil {
			r.logger.Warn("skipping store for recommendation", "name", e.Store.Name, "error", err)
			continue
		}
		if info.Available > bestAvail {
			best, bestAvail = e, info.Available
		}
	}
	if best == nil || bestAvail < size {
		return nil, fmt.Errorf("%w: need %d bytes", ErrInsufficientCapacity, size)
	}
	return best, nil
}

// Probe checks connectivity to every store by asking each for disk usage.
// The result maps store name to the probe error, nil on success.
func (r *Registry) Probe(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, e := range r.List() {
		_, err := e.Driver.DF(ctx)
		out[e.Store.Name] = err
	}
	return out
}
