// Package catalog implements the Capability Catalog (base spec §4.3, C3):
// per-upstream indexed sets of tools, prompts, and resources.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"nexus/internal/jsonrpc"
)

// Kind identifies one of the three capability record types.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Catalog holds three per-source indexed maps: source -> identifier ->
// record. A single RWMutex serializes all access; per base spec §4.3 this
// only needs to guarantee that writes to one source never interleave
// visibly with reads of that source, which a process-wide lock satisfies
// (it simply also serializes unrelated sources, which the spec permits).
type Catalog struct {
	mu        sync.RWMutex
	tools     map[string]map[string]jsonrpc.Tool
	prompts   map[string]map[string]jsonrpc.Prompt
	resources map[string]map[string]jsonrpc.Resource
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		tools:     make(map[string]map[string]jsonrpc.Tool),
		prompts:   make(map[string]map[string]jsonrpc.Prompt),
		resources: make(map[string]map[string]jsonrpc.Resource),
	}
}

// ValidationError reports a malformed capability record (base spec §7:
// invalid_tool / invalid_prompt / invalid_resource).
type ValidationError struct {
	Kind Kind
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid_%s", e.Kind) }

// RegisterTool validates and registers a single tool for source, overwriting
// any prior tool of the same name from that source.
func (c *Catalog) RegisterTool(source string, t jsonrpc.Tool) error {
	if !t.Valid() {
		return &ValidationError{Kind: KindTool}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tools[source] == nil {
		c.tools[source] = make(map[string]jsonrpc.Tool)
	}
	c.tools[source][t.Name] = t
	return nil
}

// RegisterPrompt validates and registers a single prompt for source.
func (c *Catalog) RegisterPrompt(source string, p jsonrpc.Prompt) error {
	if !p.Valid() {
		return &ValidationError{Kind: KindPrompt}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompts[source] == nil {
		c.prompts[source] = make(map[string]jsonrpc.Prompt)
	}
	c.prompts[source][p.Name] = p
	return nil
}

// RegisterResource validates and registers a single resource for source.
func (c *Catalog) RegisterResource(source string, r jsonrpc.Resource) error {
	if !r.Valid() {
		return &ValidationError{Kind: KindResource}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resources[source] == nil {
		c.resources[source] = make(map[string]jsonrpc.Resource)
	}
	c.resources[source][r.URI] = r
	return nil
}

// ReplaceSourceTools atomically swaps source's entire tool set. The
// discoverer uses this (rather than incremental Register calls) so a
// refresh replaces, never merges, per base spec §9's resolved open question.
func (c *Catalog) ReplaceSourceTools(source string, tools []jsonrpc.Tool) error {
	next := make(map[string]jsonrpc.Tool, len(tools))
	for _, t := range tools {
		if !t.Valid() {
			return &ValidationError{Kind: KindTool}
		}
		next[t.Name] = t
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[source] = next
	return nil
}

// ReplaceSourcePrompts atomically swaps source's entire prompt set.
func (c *Catalog) ReplaceSourcePrompts(source string, prompts []jsonrpc.Prompt) error {
	next := make(map[string]jsonrpc.Prompt, len(prompts))
	for _, p := range prompts {
		if !p.Valid() {
			return &ValidationError{Kind: KindPrompt}
		}
		next[p.Name] = p
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts[source] = next
	return nil
}

// ReplaceSourceResources atomically swaps source's entire resource set.
func (c *Catalog) ReplaceSourceResources(source string, resources []jsonrpc.Resource) error {
	next := make(map[string]jsonrpc.Resource, len(resources))
	for _, r := range resources {
		if !r.Valid() {
			return &ValidationError{Kind: KindResource}
		}
		next[r.URI] = r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[source] = next
	return nil
}

// ToolsForSource returns source's tools, sorted by name for deterministic
// iteration downstream (the aggregator relies on this ordering).
func (c *Catalog) ToolsForSource(source string) []jsonrpc.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]jsonrpc.Tool, 0, len(c.tools[source]))
	for _, t := range c.tools[source] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PromptsForSource returns source's prompts, sorted by name.
func (c *Catalog) PromptsForSource(source string) []jsonrpc.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]jsonrpc.Prompt, 0, len(c.prompts[source]))
	for _, p := range c.prompts[source] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResourcesForSource returns source's resources, sorted by uri.
func (c *Catalog) ResourcesForSource(source string) []jsonrpc.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]jsonrpc.Resource, 0, len(c.resources[source]))
	for _, r := range c.resources[source] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// RemoveSource deletes all capability records attributed to source, e.g.
// when an upstream is removed from the configuration.
func (c *Catalog) RemoveSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, source)
	delete(c.prompts, source)
	delete(c.resources, source)
}

// Sources returns every source name with at least one registered record of
// any kind.
func (c *Catalog) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for s, m := range c.tools {
		if len(m) > 0 {
			seen[s] = struct{}{}
		}
	}
	for s, m := range c.prompts {
		if len(m) > 0 {
			seen[s] = struct{}{}
		}
	}
	for s, m := range c.resources {
		if len(m) > 0 {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
