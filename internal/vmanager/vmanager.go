// Package vmanager implements the Virtual-Server Manager (base spec §4.7,
// C7): the process-wide store of vMCP definitions, their port and source
// validation, auto-start on add, and the bridge from Process Config State
// status transitions to each running instance's partial-degradation logic.
package vmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nexus/internal/aggregator"
	"nexus/internal/catalog"
	"nexus/internal/metrics"
	"nexus/internal/registry"
	"nexus/internal/state"
	"nexus/internal/vserver"
	"nexus/pkg/logging"
)

// Definition is a persisted vMCP definition (base spec §3).
type Definition struct {
	ID              string
	Name            string
	Port            int
	SourceServerIDs []string
	Rules           []aggregator.Rule
	Status          vserver.Status
	LastError       string
	UpdatedAt       time.Time
}

// Error reports a validation failure: the two well-defined failure modes
// from base spec §4.7 (port collisions and unknown sources), or
// validation_failed for a missing required field.
type Error struct {
	Kind  string
	ID    string
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("vmanager[%s] %s: %v", e.ID, e.Kind, e.Cause) }
func (e *Error) Unwrap() error  { return e.Cause }

// Error kinds, named to match the base spec §7 virtual-server taxonomy
// (shared with vserver.Kind's port_unavailable, rather than inventing a
// separate vmanager-local name for the same failure).
const (
	ErrPortCollision = "port_unavailable"
	ErrUnknownSource = "unknown_source"
	ErrValidation    = "validation_failed"
)

// Manager is the process-wide store of vMCP definitions and their running
// instances.
type Manager struct {
	reg            *registry.Registry
	cat            *catalog.Catalog
	st             *state.State
	metrics        *metrics.Registry
	managementPort int

	mu          sync.RWMutex
	definitions map[string]*Definition
	instances   map[string]*vserver.Instance
}

// New creates a Manager. managementPort is reserved and may never be used
// by a vMCP definition (base spec §4.7). m may be nil in tests that don't
// care about vMCP status metrics.
func New(reg *registry.Registry, cat *catalog.Catalog, st *state.State, m *metrics.Registry, managementPort int) *Manager {
	mgr := &Manager{
		reg:            reg,
		cat:            cat,
		st:             st,
		metrics:        m,
		managementPort: managementPort,
		definitions:    make(map[string]*Definition),
		instances:      make(map[string]*vserver.Instance),
	}
	st.Subscribe(mgr.onUpstreamStatus)
	return mgr
}

// Add validates def, stores it, and attempts to auto-start it. A start
// failure leaves the definition in place with status "error" rather than
// rejecting the add (base spec §4.7: "auto-start on add").
func (m *Manager) Add(ctx context.Context, def Definition) (*Definition, error) {
	if err := m.validate(def); err != nil {
		return nil, err
	}

	cp := def
	cp.Status = vserver.StatusStopped
	cp.UpdatedAt = now()

	m.mu.Lock()
	m.definitions[cp.ID] = &cp
	m.mu.Unlock()

	if err := m.Start(ctx, cp.ID); err != nil {
		logging.Warn("vmanager", "%s: auto-start failed: %v", cp.ID, err)
	}

	m.mu.RLock()
	out := *m.definitions[cp.ID]
	m.mu.RUnlock()
	return &out, nil
}

func (m *Manager) validate(def Definition) error {
	if def.Name == "" {
		return &Error{Kind: ErrValidation, ID: def.ID, Cause: fmt.Errorf("name is required")}
	}
	if def.Port <= 0 {
		return &Error{Kind: ErrValidation, ID: def.ID, Cause: fmt.Errorf("port is required")}
	}
	if len(def.SourceServerIDs) == 0 {
		return &Error{Kind: ErrValidation, ID: def.ID, Cause: fmt.Errorf("at least one sourceServerId is required")}
	}
	if len(def.Rules) == 0 {
		return &Error{Kind: ErrValidation, ID: def.ID, Cause: fmt.Errorf("at least one aggregationRule is required")}
	}
	for _, source := range def.SourceServerIDs {
		if _, ok := m.st.Get(source); !ok {
			return &Error{Kind: ErrUnknownSource, ID: def.ID, Cause: fmt.Errorf("unknown source %q", source)}
		}
	}

	if def.Port == m.managementPort {
		return &Error{Kind: ErrPortCollision, ID: def.ID, Cause: fmt.Errorf("port %d reserved for management API", def.Port)}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, other := range m.definitions {
		if id == def.ID {
			continue
		}
		if other.Port == def.Port {
			return &Error{Kind: ErrPortCollision, ID: def.ID, Cause: fmt.Errorf("port %d already used by %q", def.Port, id)}
		}
	}
	return nil
}

// Remove stops (best-effort) and deletes id's definition.
func (m *Manager) Remove(id string) error {
	m.Stop(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return fmt.Errorf("vmanager: %q not found", id)
	}
	delete(m.definitions, id)
	delete(m.instances, id)
	return nil
}

// Get returns a snapshot copy of id's definition.
func (m *Manager) Get(id string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.definitions[id]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// List returns a snapshot of every definition.
func (m *Manager) List() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		out = append(out, *d)
	}
	return out
}

// GetInstance returns the running (or stopped) instance backing id, if any.
func (m *Manager) GetInstance(id string) (*vserver.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Start builds (or reuses) id's instance and starts it, updating the
// definition's status from the result.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	def, ok := m.definitions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("vmanager: %q not found", id)
	}
	inst, exists := m.instances[id]
	if !exists {
		inst = vserver.New(vserver.Spec{
			ID:              def.ID,
			Name:            def.Name,
			Port:            def.Port,
			SourceServerIDs: def.SourceServerIDs,
			Rules:           def.Rules,
		}, m.reg, m.cat, m.metrics)
		m.instances[id] = inst
	}
	m.mu.Unlock()

	err := inst.Start(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok = m.definitions[id]
	if !ok {
		return nil
	}
	def.Status = inst.Status()
	def.UpdatedAt = now()
	if err != nil {
		def.LastError = err.Error()
	} else {
		def.LastError = ""
	}
	m.recordStatus(id, def.Status)
	return err
}

// Stop idempotently stops id's instance, if it exists.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	def := m.definitions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	inst.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if def != nil {
		def.Status = inst.Status()
		def.UpdatedAt = now()
		m.recordStatus(id, def.Status)
	}
}

// recordStatus mirrors id's current status into the vMCP status gauge, if
// this manager was built with a metrics registry.
func (m *Manager) recordStatus(id string, status vserver.Status) {
	if m.metrics == nil {
		return
	}
	m.metrics.SetVMCPStatus(id, string(status), vserver.Statuses)
}

// StartAll starts every known definition, continuing past individual
// failures.
func (m *Manager) StartAll(ctx context.Context) {
	for _, id := range m.idList() {
		if err := m.Start(ctx, id); err != nil {
			logging.Warn("vmanager", "%s: start failed: %v", id, err)
		}
	}
}

// StopAll stops every known instance.
func (m *Manager) StopAll() {
	for _, id := range m.idList() {
		m.Stop(id)
	}
}

func (m *Manager) idList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.definitions))
	for id := range m.definitions {
		out = append(out, id)
	}
	return out
}

// onUpstreamStatus is the state.State subscriber that drives partial
// degradation: when an upstream's status transitions, every running
// instance that lists it as a source is notified (base spec §4.6's
// "onClose or terminal onError" condition, and its recovery counterpart).
func (m *Manager) onUpstreamStatus(ev state.Event) {
	m.mu.RLock()
	instances := make(map[string]*vserver.Instance, len(m.instances))
	for id, inst := range m.instances {
		instances[id] = inst
	}
	m.mu.RUnlock()

	for id, inst := range instances {
		if !containsSource(inst, ev.Name) {
			continue
		}
		if ev.Status == state.StatusOnline {
			inst.MarkSourceUp(ev.Name)
		} else {
			inst.MarkSourceDown(ev.Name)
		}
		m.recordStatus(id, inst.Status())
	}
}

func containsSource(inst *vserver.Instance, name string) bool {
	for _, s := range inst.Sources() {
		if s == name {
			return true
		}
	}
	return false
}

func now() time.Time { return time.Now() }
