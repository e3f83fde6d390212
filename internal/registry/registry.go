// Package registry implements the Transport Registry (base spec §4.2, C2):
// a named collection of transports with serialized per-name lifecycle
// operations and a single request-delegation entry point.
package registry

import (
	"context"
	"fmt"
	"sync"

	"nexus/internal/jsonrpc"
	"nexus/internal/transport"
	"nexus/pkg/logging"
)

// entry pairs a transport with a mutex that serializes start/close
// operations on it, per base spec §5 ("at most one start or close runs at
// a time" for a given upstream).
type entry struct {
	mu sync.Mutex
	t  *transport.Transport
}

// Registry is a named collection of transports.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// onRemove, if set, is invoked (outside the lock) whenever a name is
	// removed from the registry, for callers that mirror registry state
	// elsewhere (e.g. Process Config State).
	onRemove func(name string)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// OnRemove registers a callback fired after any name leaves the registry,
// whether by explicit Remove or by transport self-removal on terminal close.
func (r *Registry) OnRemove(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// Add registers a new transport under name. Rejects double-add.
func (r *Registry) Add(name string, t *transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("registry: %q already registered", name)
	}
	r.entries[name] = &entry{t: t}
	return nil
}

func (r *Registry) get(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Connect starts the named transport. A no-op if already connected.
func (r *Registry) Connect(ctx context.Context, name string) error {
	e, ok := r.get(name)
	if !ok {
		return fmt.Errorf("registry: %q not found", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.t.IsConnected() {
		return nil
	}
	return e.t.Start(ctx)
}

// Disconnect closes the named transport. Close is final: the transport
// cannot be started again afterwards. The entry itself is not deleted here,
// but a transport whose hooks were built with WithAutoRemove removes itself
// from the registry when it closes.
func (r *Registry) Disconnect(name string) error {
	e, ok := r.get(name)
	if !ok {
		return fmt.Errorf("registry: %q not found", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Close()
}

// Remove closes (best-effort) and deletes the named transport.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	onRemove := r.onRemove
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("registry: %q not found", name)
	}
	e.mu.Lock()
	err := e.t.Close()
	e.mu.Unlock()

	if onRemove != nil {
		onRemove(name)
	}
	return err
}

// Get returns the named transport.
func (r *Registry) Get(name string) (*transport.Transport, bool) {
	e, ok := r.get(name)
	if !ok {
		return nil, false
	}
	return e.t, true
}

// Request delegates to the named transport's Request.
func (r *Registry) Request(ctx context.Context, name string, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("registry: %q not found", name)
	}
	return t.Request(ctx, msg)
}

// IsConnected reports whether the named transport is currently connected.
// Missing names are reported as not connected.
func (r *Registry) IsConnected(name string) bool {
	t, ok := r.Get(name)
	return ok && t.IsConnected()
}

// List returns the currently registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// autoRemove is invoked from a transport's OnClose hook (when added with
// hooks built via WithAutoRemove) to remove it from the registry once
// it closes terminally. Reconnect attempts never trigger OnClose, so a
// transient disconnect followed by a successful reconnect never causes
// the registry entry to disappear out from under a caller.
func (r *Registry) autoRemove(name string) {
	logging.Debug("registry", "removing %q after terminal close", name)
	r.mu.Lock()
	delete(r.entries, name)
	onRemove := r.onRemove
	r.mu.Unlock()
	if onRemove != nil {
		onRemove(name)
	}
}

// WithAutoRemove wraps hooks so that OnClose also removes name from r, in
// addition to calling the caller-supplied OnClose (if any).
func (r *Registry) WithAutoRemove(name string, hooks transport.Hooks) transport.Hooks {
	userOnClose := hooks.OnClose
	hooks.OnClose = func() {
		if userOnClose != nil {
			userOnClose()
		}
		r.autoRemove(name)
	}
	return hooks
}
