// Package state implements the Process Config State (base spec §4.8, C8):
// the authoritative in-memory record of upstream definitions and their
// runtime status, updated by the management API and by the serve command's
// wiring (registry removals, discovery outcomes, refresh failures), and
// observed by other components via subscription.
package state

import (
	"fmt"
	"sync"
	"time"
)

// Status is an upstream's runtime connectivity status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Upstream is a persisted-in-memory upstream definition (base spec §3).
type Upstream struct {
	Name      string
	URL       string
	AuthToken string
	Disabled  bool
	Status    Status
	LastSeen  time.Time
	LastError string
}

// Event is published to subscribers whenever an upstream's status changes.
type Event struct {
	Name   string
	Status Status
}

// State is the process-wide upstream registry. A single RWMutex gives
// readers a consistent snapshot per call, per base spec §4.8.
type State struct {
	mu        sync.RWMutex
	upstreams map[string]*Upstream
	subs      []func(Event)
}

// New returns an empty State.
func New() *State {
	return &State{upstreams: make(map[string]*Upstream)}
}

// AddUpstream registers a new upstream definition. Enforces the base spec
// §3 invariant that name is unique.
func (s *State) AddUpstream(u Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.upstreams[u.Name]; exists {
		return fmt.Errorf("state: upstream %q already exists", u.Name)
	}
	if u.Status == "" {
		u.Status = StatusOffline
	}
	cp := u
	s.upstreams[u.Name] = &cp
	return nil
}

// RemoveUpstream deletes an upstream definition.
func (s *State) RemoveUpstream(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.upstreams, name)
}

// Get returns a snapshot copy of the named upstream.
func (s *State) Get(name string) (Upstream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.upstreams[name]
	if !ok {
		return Upstream{}, false
	}
	return *u, true
}

// List returns a snapshot of every upstream definition.
func (s *State) List() []Upstream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Upstream, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		out = append(out, *u)
	}
	return out
}

// SetDisabled toggles an upstream's isDisabled flag (management API
// `PUT /connection {isDisabled}`, base spec §6).
func (s *State) SetDisabled(name string, disabled bool) error {
	s.mu.Lock()
	u, ok := s.upstreams[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("state: upstream %q not found", name)
	}
	u.Disabled = disabled
	s.mu.Unlock()
	return nil
}

// SetStatus updates an upstream's runtime status and notifies subscribers.
// Called by the management API and by cmd/serve.go's callbacks: when a
// transport leaves the registry, after each discovery attempt, and on
// refresh-scheduler errors.
func (s *State) SetStatus(name string, status Status, lastErr string) {
	s.mu.Lock()
	u, ok := s.upstreams[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	u.Status = status
	u.LastError = lastErr
	if status == StatusOnline {
		u.LastSeen = time.Now()
	}
	subs := s.subs
	s.mu.Unlock()

	for _, fn := range subs {
		fn(Event{Name: name, Status: status})
	}
}

// Subscribe registers fn to be called on every SetStatus transition. Used by
// the Virtual-Server Manager (C7) to drive partial-degradation transitions
// without a direct dependency from the transport layer on vMCP internals.
func (s *State) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}
