package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/catalog"
	"nexus/internal/jsonrpc"
)

func TestAggregateAllMergesInSourceOrder(t *testing.T) {
	cat := catalog.New()
	require.NoError(t, cat.ReplaceSourceTools("u1", []jsonrpc.Tool{{Name: "echo"}}))
	require.NoError(t, cat.ReplaceSourceTools("u2", []jsonrpc.Tool{{Name: "other"}}))

	view, err := Build(cat, []string{"u1", "u2"}, []Rule{{Kind: RuleAggregateAll}})
	require.NoError(t, err)
	require.Len(t, view.Tools, 2)
	assert.Equal(t, "echo", view.Tools[0].Name)
	assert.Equal(t, "other", view.Tools[1].Name)
}

func TestDuplicateToolFirstSourceWins(t *testing.T) {
	cat := catalog.New()
	require.NoError(t, cat.ReplaceSourceTools("u1", []jsonrpc.Tool{{Name: "echo", Description: "from u1"}}))
	require.NoError(t, cat.ReplaceSourceTools("u2", []jsonrpc.Tool{{Name: "echo", Description: "from u2"}}))

	view, err := Build(cat, []string{"u1", "u2"}, []Rule{{Kind: RuleAggregateAll}})
	require.NoError(t, err)
	require.Len(t, view.Tools, 1)
	assert.Equal(t, "from u1", view.Tools[0].Description)
	assert.Equal(t, 1, view.DroppedDuplicates)

	target := view.Routes[RouteKey{Kind: KindTool, Identifier: "echo"}]
	assert.Equal(t, "u1", target.Source)
}

func TestSelectiveInclusion(t *testing.T) {
	cat := catalog.New()
	require.NoError(t, cat.ReplaceSourceTools("u1", []jsonrpc.Tool{{Name: "a"}, {Name: "b"}, {Name: "c"}}))

	view, err := Build(cat, []string{"u1"}, []Rule{{Kind: RuleIncludeTools, Names: []string{"a", "c"}}})
	require.NoError(t, err)
	require.Len(t, view.Tools, 2)
	assert.Equal(t, "a", view.Tools[0].Name)
	assert.Equal(t, "c", view.Tools[1].Name)

	_, routed := view.Routes[RouteKey{Kind: KindTool, Identifier: "b"}]
	assert.False(t, routed)
}

func TestKindWithNoRuleContributesNothing(t *testing.T) {
	cat := catalog.New()
	require.NoError(t, cat.ReplaceSourcePrompts("u1", []jsonrpc.Prompt{{Name: "p"}}))

	view, err := Build(cat, []string{"u1"}, []Rule{{Kind: RuleIncludeTools, Names: []string{"a"}}})
	require.NoError(t, err)
	assert.Empty(t, view.Prompts)
}

func TestEmptyViewIffEmptyRoutingMap(t *testing.T) {
	cat := catalog.New()
	view, err := Build(cat, []string{"u1"}, []Rule{{Kind: RuleAggregateAll}})
	require.NoError(t, err)
	assert.True(t, view.Empty())
	assert.Empty(t, view.Routes)
}

func TestRoutingMapCoversEveryListedIdentifier(t *testing.T) {
	cat := catalog.New()
	require.NoError(t, cat.ReplaceSourceTools("u1", []jsonrpc.Tool{{Name: "a"}, {Name: "b"}}))
	require.NoError(t, cat.ReplaceSourceResources("u1", []jsonrpc.Resource{{URI: "mcp://u1/x"}}))

	view, err := Build(cat, []string{"u1"}, []Rule{{Kind: RuleAggregateAll}})
	require.NoError(t, err)

	for _, tool := range view.Tools {
		_, ok := view.Routes[RouteKey{Kind: KindTool, Identifier: tool.Name}]
		assert.True(t, ok)
	}
	for _, res := range view.Resources {
		_, ok := view.Routes[RouteKey{Kind: KindResource, Identifier: res.URI}]
		assert.True(t, ok)
	}
}
