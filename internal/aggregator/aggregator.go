// Package aggregator implements the Aggregator (base spec §4.5, C5): given a
// virtual server's source list and aggregation rules, it builds the merged
// capability view and routing map a Virtual-Server Instance serves.
package aggregator

import (
	"fmt"

	"nexus/internal/catalog"
	"nexus/internal/jsonrpc"
)

// RuleKind is one of the four tagged-variant cases an AggregationRule may
// take (base spec §3).
type RuleKind string

const (
	RuleAggregateAll     RuleKind = "aggregate_all"
	RuleIncludeTools     RuleKind = "include_tools"
	RuleIncludePrompts   RuleKind = "include_prompts"
	RuleIncludeResources RuleKind = "include_resources"
)

// Rule is one AggregationRule. Names holds identifiers for
// include_tools/include_prompts; URIs holds identifiers for
// include_resources. Multiple rules combine by union (base spec §3).
type Rule struct {
	Kind  RuleKind
	Names []string
	URIs  []string
}

// Kind identifies a capability kind in the routing map.
type Kind = catalog.Kind

const (
	KindTool     = catalog.KindTool
	KindPrompt   = catalog.KindPrompt
	KindResource = catalog.KindResource
)

// RouteKey identifies one entry in a virtual server's routing map.
type RouteKey struct {
	Kind       Kind
	Identifier string
}

// RouteTarget is where a RouteKey resolves to: the upstream that
// contributed it, under its original (unprefixed) identifier.
type RouteTarget struct {
	Source     string
	Identifier string
}

// View is the aggregated capability view and routing map for one virtual
// server, frozen at the moment Build runs (base spec §4.5/§4.6: "its view
// is frozen at start").
type View struct {
	Tools     []jsonrpc.Tool
	Prompts   []jsonrpc.Prompt
	Resources []jsonrpc.Resource
	Routes    map[RouteKey]RouteTarget

	// DroppedDuplicates counts identifier collisions across sources that
	// were resolved by first-source-wins and silently dropped, per base
	// spec §4.5 step 3 ("but counted for telemetry").
	DroppedDuplicates int
}

// Empty reports whether the view carries no capabilities at all. Base spec
// §4.5 invariant: the aggregated view is empty iff the routing map is empty.
func (v *View) Empty() bool {
	return len(v.Routes) == 0
}

type ruleSet struct {
	allKinds  bool
	tools     map[string]struct{}
	toolsSet  bool
	prompts   map[string]struct{}
	promptsSet bool
	resources  map[string]struct{}
	resourcesSet bool
}

// expand implements base spec §4.5 step 1: aggregate_all makes every kind
// unrestricted; otherwise each included kind is restricted to the rule's
// listed identifiers, and a kind with no matching rule contributes nothing.
func expand(rules []Rule) ruleSet {
	var rs ruleSet
	for _, r := range rules {
		switch r.Kind {
		case RuleAggregateAll:
			rs.allKinds = true
		case RuleIncludeTools:
			rs.toolsSet = true
			if rs.tools == nil {
				rs.tools = make(map[string]struct{})
			}
			for _, n := range r.Names {
				rs.tools[n] = struct{}{}
			}
		case RuleIncludePrompts:
			rs.promptsSet = true
			if rs.prompts == nil {
				rs.prompts = make(map[string]struct{})
			}
			for _, n := range r.Names {
				rs.prompts[n] = struct{}{}
			}
		case RuleIncludeResources:
			rs.resourcesSet = true
			if rs.resources == nil {
				rs.resources = make(map[string]struct{})
			}
			for _, u := range r.URIs {
				rs.resources[u] = struct{}{}
			}
		}
	}
	return rs
}

func (rs ruleSet) allowsTool(name string) bool {
	if rs.allKinds {
		return true
	}
	if !rs.toolsSet {
		return false
	}
	_, ok := rs.tools[name]
	return ok
}

func (rs ruleSet) allowsPrompt(name string) bool {
	if rs.allKinds {
		return true
	}
	if !rs.promptsSet {
		return false
	}
	_, ok := rs.prompts[name]
	return ok
}

func (rs ruleSet) allowsResource(uri string) bool {
	if rs.allKinds {
		return true
	}
	if !rs.resourcesSet {
		return false
	}
	_, ok := rs.resources[uri]
	return ok
}

func (rs ruleSet) toolsEnabled() bool     { return rs.allKinds || rs.toolsSet }
func (rs ruleSet) promptsEnabled() bool   { return rs.allKinds || rs.promptsSet }
func (rs ruleSet) resourcesEnabled() bool { return rs.allKinds || rs.resourcesSet }

// Build runs the base spec §4.5 algorithm: expand rules, pull each source's
// catalog entries in sourceServerIDs order, filter by the expanded rule set,
// and emit first-source-wins on identifier collision.
func Build(cat *catalog.Catalog, sourceServerIDs []string, rules []Rule) (*View, error) {
	if len(sourceServerIDs) == 0 {
		return nil, fmt.Errorf("aggregator: no source servers configured")
	}

	rs := expand(rules)
	view := &View{Routes: make(map[RouteKey]RouteTarget)}

	if rs.toolsEnabled() {
		seen := make(map[string]struct{})
		for _, source := range sourceServerIDs {
			for _, tool := range cat.ToolsForSource(source) {
				if !rs.allowsTool(tool.Name) {
					continue
				}
				if _, dup := seen[tool.Name]; dup {
					view.DroppedDuplicates++
					continue
				}
				seen[tool.Name] = struct{}{}
				view.Tools = append(view.Tools, tool)
				view.Routes[RouteKey{Kind: KindTool, Identifier: tool.Name}] = RouteTarget{Source: source, Identifier: tool.Name}
			}
		}
	}

	if rs.promptsEnabled() {
		seen := make(map[string]struct{})
		for _, source := range sourceServerIDs {
			for _, prompt := range cat.PromptsForSource(source) {
				if !rs.allowsPrompt(prompt.Name) {
					continue
				}
				if _, dup := seen[prompt.Name]; dup {
					view.DroppedDuplicates++
					continue
				}
				seen[prompt.Name] = struct{}{}
				view.Prompts = append(view.Prompts, prompt)
				view.Routes[RouteKey{Kind: KindPrompt, Identifier: prompt.Name}] = RouteTarget{Source: source, Identifier: prompt.Name}
			}
		}
	}

	if rs.resourcesEnabled() {
		seen := make(map[string]struct{})
		for _, source := range sourceServerIDs {
			for _, res := range cat.ResourcesForSource(source) {
				if !rs.allowsResource(res.URI) {
					continue
				}
				if _, dup := seen[res.URI]; dup {
					view.DroppedDuplicates++
					continue
				}
				seen[res.URI] = struct{}{}
				view.Resources = append(view.Resources, res)
				view.Routes[RouteKey{Kind: KindResource, Identifier: res.URI}] = RouteTarget{Source: source, Identifier: res.URI}
			}
		}
	}

	return view, nil
}
