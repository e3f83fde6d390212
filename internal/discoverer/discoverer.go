// Package discoverer implements the Discoverer (base spec §4.4, C4) and its
// Refresh scheduler: running the three list queries against a named
// upstream and registering normalized results into the Capability Catalog.
package discoverer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"nexus/internal/catalog"
	"nexus/internal/jsonrpc"
	"nexus/internal/metrics"
	"nexus/internal/registry"
	"nexus/pkg/logging"
)

// Kind identifies which of the three list queries failed.
type Kind string

const (
	KindTools     Kind = "tools_discovery_failed"
	KindPrompts   Kind = "prompts_discovery_failed"
	KindResources Kind = "resources_discovery_failed"
)

// Error reports a partial discovery failure: one kind's list call failed,
// but entries already registered from the other two calls remain (base spec
// §4.4: "partial failure is explicit").
type Error struct {
	Kind     Kind
	Upstream string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discoverer[%s]: %s: %v", e.Upstream, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Discoverer runs discovery against upstreams registered in reg, indexing
// results into cat.
type Discoverer struct {
	reg     *registry.Registry
	cat     *catalog.Catalog
	metrics *metrics.Registry
}

// New creates a Discoverer backed by reg and cat. m may be nil in tests
// that don't care about catalog size metrics.
func New(reg *registry.Registry, cat *catalog.Catalog, m *metrics.Registry) *Discoverer {
	return &Discoverer{reg: reg, cat: cat, metrics: m}
}

func (d *Discoverer) recordCatalogSize(upstream, kind string, n int) {
	if d.metrics == nil {
		return
	}
	d.metrics.CatalogSize.WithLabelValues(upstream, kind).Set(float64(n))
}

// Discover ensures upstreamName's transport is connected, then issues
// tools/list, prompts/list, and resources/list, replacing that source's
// catalog entries with the results of each independently-succeeding call.
// Returns the first error encountered (later calls still run), wrapped with
// its discovery kind.
func (d *Discoverer) Discover(ctx context.Context, upstreamName string) error {
	if !d.reg.IsConnected(upstreamName) {
		if err := d.reg.Connect(ctx, upstreamName); err != nil {
			return fmt.Errorf("discoverer[%s]: connect: %w", upstreamName, err)
		}
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(d.discoverTools(ctx, upstreamName))
	record(d.discoverPrompts(ctx, upstreamName))
	record(d.discoverResources(ctx, upstreamName))

	return firstErr
}

func (d *Discoverer) discoverTools(ctx context.Context, upstream string) error {
	req, _ := jsonrpc.NewRequest(newID(), "tools/list", nil)
	resp, err := d.reg.Request(ctx, upstream, req)
	if err != nil {
		logging.Error("discoverer", err, "%s: tools/list failed", upstream)
		return &Error{Kind: KindTools, Upstream: upstream, Cause: err}
	}
	var result jsonrpc.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &Error{Kind: KindTools, Upstream: upstream, Cause: err}
	}
	if err := d.cat.ReplaceSourceTools(upstream, result.Tools); err != nil {
		return &Error{Kind: KindTools, Upstream: upstream, Cause: err}
	}
	d.recordCatalogSize(upstream, "tool", len(result.Tools))
	logging.Debug("discoverer", "%s: registered %d tools", upstream, len(result.Tools))
	return nil
}

func (d *Discoverer) discoverPrompts(ctx context.Context, upstream string) error {
	req, _ := jsonrpc.NewRequest(newID(), "prompts/list", nil)
	resp, err := d.reg.Request(ctx, upstream, req)
	if err != nil {
		logging.Error("discoverer", err, "%s: prompts/list failed", upstream)
		return &Error{Kind: KindPrompts, Upstream: upstream, Cause: err}
	}
	var result jsonrpc.ListPromptsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &Error{Kind: KindPrompts, Upstream: upstream, Cause: err}
	}
	if err := d.cat.ReplaceSourcePrompts(upstream, result.Prompts); err != nil {
		return &Error{Kind: KindPrompts, Upstream: upstream, Cause: err}
	}
	d.recordCatalogSize(upstream, "prompt", len(result.Prompts))
	logging.Debug("discoverer", "%s: registered %d prompts", upstream, len(result.Prompts))
	return nil
}

func (d *Discoverer) discoverResources(ctx context.Context, upstream string) error {
	req, _ := jsonrpc.NewRequest(newID(), "resources/list", nil)
	resp, err := d.reg.Request(ctx, upstream, req)
	if err != nil {
		logging.Error("discoverer", err, "%s: resources/list failed", upstream)
		return &Error{Kind: KindResources, Upstream: upstream, Cause: err}
	}
	var result jsonrpc.ListResourcesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &Error{Kind: KindResources, Upstream: upstream, Cause: err}
	}
	if err := d.cat.ReplaceSourceResources(upstream, result.Resources); err != nil {
		return &Error{Kind: KindResources, Upstream: upstream, Cause: err}
	}
	d.recordCatalogSize(upstream, "resource", len(result.Resources))
	logging.Debug("discoverer", "%s: registered %d resources", upstream, len(result.Resources))
	return nil
}

func newID() string {
	return uuid.NewString()
}
