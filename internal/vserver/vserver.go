// Package vserver implements the Virtual-Server Instance (base spec §4.6,
// C6): an HTTP listener that serves one vMCP's aggregated capability view
// over the same SSE+POST JSON-RPC framing Nexus speaks to upstreams, and
// proxies requests through the Transport Registry using the routing map
// the Aggregator built at start time.
package vserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"nexus/internal/aggregator"
	"nexus/internal/catalog"
	"nexus/internal/jsonrpc"
	"nexus/internal/metrics"
	"nexus/internal/registry"
	"nexus/pkg/logging"
)

// defaultProxyTimeout bounds a proxied upstream request when Spec.Timeout
// is left unset. Matches transport.Config's own default.
const defaultProxyTimeout = 30 * time.Second

// Statuses lists every lifecycle status; metrics.Registry.SetVMCPStatus
// zeroes the status gauge label of each one that is not current (base spec
// §4.6/§7).
var Statuses = []string{
	string(StatusStopped),
	string(StatusStarting),
	string(StatusRunning),
	string(StatusError),
	string(StatusPartiallyDegraded),
}

// Kind is the abstract virtual-server error taxonomy of base spec §7.
type Kind string

const (
	KindPortUnavailable     Kind = "port_unavailable"
	KindUnknownSource       Kind = "unknown_source"
	KindStartupNoCaps       Kind = "startup_no_capabilities"
	KindInstanceNotRunning  Kind = "instance_not_running"
	KindCapabilityUnmapped  Kind = "capability_unmapped"
)

// Error is the concrete error type vserver operations return.
type Error struct {
	Kind  Kind
	ID    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vserver[%s] %s: %v", e.ID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("vserver[%s] %s", e.ID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status mirrors a vMCP's lifecycle status (base spec §4.6/§7).
type Status string

const (
	StatusStopped            Status = "stopped"
	StatusStarting            Status = "starting"
	StatusRunning             Status = "running"
	StatusError               Status = "error"
	StatusPartiallyDegraded   Status = "partially_degraded"
)

// Spec is the static configuration a Virtual-Server Instance is built from.
// It is a narrower view than vmanager.Definition, kept separate so this
// package never imports vmanager (which owns the lifecycle, port-collision
// and multi-instance bookkeeping above a single instance).
type Spec struct {
	ID              string
	Name            string
	Port            int
	SourceServerIDs []string
	Rules           []aggregator.Rule

	// Timeout bounds every proxied upstream request this instance issues.
	// Deliberately not derived from the inbound client request's context:
	// handleMessage answers 202 Accepted and returns before the proxied
	// call completes, so a context tied to that request would already be
	// canceled by the time proxyCall reaches the Transport Registry.
	Timeout time.Duration
}

// session is one established SSE client connection.
type session struct {
	id     string
	w      http.ResponseWriter
	flush  http.Flusher
	closed chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.closed) })
}

// HealthReport is the result of CheckHealth (base spec §4.6).
type HealthReport struct {
	Healthy               bool
	UnderlyingServersStatus []SourceHealth
}

// SourceHealth reports one upstream's connectivity as observed from a
// running instance's perspective.
type SourceHealth struct {
	Source    string
	Status    string
	LastError string
}

// Instance is a running (or stopped) Virtual-Server Instance.
type Instance struct {
	spec    Spec
	reg     *registry.Registry
	cat     *catalog.Catalog
	metrics *metrics.Registry

	mu       sync.Mutex
	status   Status
	view     *aggregator.View
	listener net.Listener
	server   *http.Server

	sessMu   sync.Mutex
	sessions map[string]*session

	degradedMu sync.Mutex
	degraded   map[string]bool
}

// New creates a stopped instance for spec, backed by reg and cat. m may be
// nil in tests that don't care about proxy metrics.
func New(spec Spec, reg *registry.Registry, cat *catalog.Catalog, m *metrics.Registry) *Instance {
	if spec.Timeout <= 0 {
		spec.Timeout = defaultProxyTimeout
	}
	return &Instance{
		spec:     spec,
		reg:      reg,
		cat:      cat,
		metrics:  m,
		status:   StatusStopped,
		sessions: make(map[string]*session),
		degraded: make(map[string]bool),
	}
}

// Status returns the instance's current lifecycle status.
func (inst *Instance) Status() Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

// Sources returns the spec's configured source server ids.
func (inst *Instance) Sources() []string {
	return inst.spec.SourceServerIDs
}

// Start runs the base spec §4.6 startup sequence: stop any prior listener,
// build the aggregated view, bind the HTTP listener, and transition to
// running. Returns *Error on failure; the instance is then left in error
// status with no listener bound.
func (inst *Instance) Start(ctx context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.stopLocked()
	inst.status = StatusStarting

	view, err := aggregator.Build(inst.cat, inst.spec.SourceServerIDs, inst.spec.Rules)
	if err != nil {
		inst.status = StatusError
		return &Error{Kind: KindUnknownSource, ID: inst.spec.ID, Cause: err}
	}
	if view.Empty() {
		inst.status = StatusError
		return &Error{Kind: KindStartupNoCaps, ID: inst.spec.ID}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", inst.spec.Port))
	if err != nil {
		inst.status = StatusError
		return &Error{Kind: KindPortUnavailable, ID: inst.spec.ID, Cause: err}
	}

	inst.view = view
	inst.listener = ln
	inst.server = &http.Server{Handler: inst.buildRouter(view)}
	inst.status = StatusRunning

	go func() {
		if err := inst.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("vserver", err, "%s: listener exited", inst.spec.ID)
		}
	}()

	logging.Info("vserver", "%s: started on port %d (%d tools, %d prompts, %d resources)",
		inst.spec.ID, inst.spec.Port, len(view.Tools), len(view.Prompts), len(view.Resources))
	return nil
}

// Stop idempotently shuts down the instance: closes all sessions, the HTTP
// listener, and clears the routing map and aggregated arrays.
func (inst *Instance) Stop() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.stopLocked()
}

func (inst *Instance) stopLocked() {
	if inst.status == StatusStopped && inst.server == nil {
		return
	}

	inst.sessMu.Lock()
	for id, s := range inst.sessions {
		s.close()
		delete(inst.sessions, id)
	}
	inst.sessMu.Unlock()

	if inst.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inst.server.Shutdown(ctx)
		inst.server = nil
	}
	inst.listener = nil
	inst.view = nil
	inst.status = StatusStopped
}

// CheckHealth issues a lightweight health/check against every configured
// source and reports the aggregate, per base spec §4.6.
func (inst *Instance) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true}
	for _, source := range inst.spec.SourceServerIDs {
		sh := SourceHealth{Source: source, Status: "online"}
		if !inst.reg.IsConnected(source) {
			sh.Status = "error"
			sh.LastError = "not connected"
			report.Healthy = false
			report.UnderlyingServersStatus = append(report.UnderlyingServersStatus, sh)
			continue
		}
		req, _ := jsonrpc.NewRequest(uuid.NewString(), "health/check", nil)
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := inst.reg.Request(hctx, source, req)
		cancel()
		if err != nil {
			sh.Status = "error"
			sh.LastError = err.Error()
			report.Healthy = false
		}
		report.UnderlyingServersStatus = append(report.UnderlyingServersStatus, sh)
	}
	return report
}

// MarkSourceDown records that source has gone unhealthy, recomputing the
// instance's partial-degradation status (base spec §4.6: "onClose or
// terminal onError ... transitions to partially_degraded if at least one
// source is still healthy, else error"). Called by the Virtual-Server
// Manager (C7), which subscribes to Process Config State transitions.
func (inst *Instance) MarkSourceDown(source string) {
	inst.degradedMu.Lock()
	inst.degraded[source] = true
	allDown := true
	for _, s := range inst.spec.SourceServerIDs {
		if !inst.degraded[s] {
			allDown = false
			break
		}
	}
	inst.degradedMu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status != StatusRunning && inst.status != StatusPartiallyDegraded && inst.status != StatusError {
		return
	}
	if allDown {
		inst.status = StatusError
	} else {
		inst.status = StatusPartiallyDegraded
	}
}

// MarkSourceUp clears a prior MarkSourceDown for source, restoring running
// status if no source remains marked down.
func (inst *Instance) MarkSourceUp(source string) {
	inst.degradedMu.Lock()
	delete(inst.degraded, source)
	anyDown := len(inst.degraded) > 0
	inst.degradedMu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status == StatusStopped {
		return
	}
	if anyDown {
		inst.status = StatusPartiallyDegraded
	} else {
		inst.status = StatusRunning
	}
}

func (inst *Instance) isSourceDown(source string) bool {
	inst.degradedMu.Lock()
	defer inst.degradedMu.Unlock()
	return inst.degraded[source]
}
