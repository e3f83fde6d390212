package vmanager

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus/internal/aggregator"
	"nexus/internal/catalog"
	"nexus/internal/jsonrpc"
	"nexus/internal/registry"
	"nexus/internal/state"
	"nexus/internal/vserver"
)

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestManager(t *testing.T) (*Manager, *state.State, *catalog.Catalog) {
	reg := registry.New()
	cat := catalog.New()
	st := state.New()
	return New(reg, cat, st, nil, 3000), st, cat
}

func TestAddRejectsUnknownSource(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Add(context.Background(), Definition{
		ID:              "v1",
		Name:            "v1",
		Port:            freePort(t),
		SourceServerIDs: []string{"ghost"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	})
	require.Error(t, err)
	var mErr *Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, ErrUnknownSource, mErr.Kind)
}

func TestAddRejectsManagementPortCollision(t *testing.T) {
	m, st, _ := newTestManager(t)
	require.NoError(t, st.AddUpstream(state.Upstream{Name: "u1", URL: "http://x"}))

	_, err := m.Add(context.Background(), Definition{
		ID:              "v1",
		Name:            "v1",
		Port:            3000,
		SourceServerIDs: []string{"u1"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	})
	require.Error(t, err)
	var mErr *Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, ErrPortCollision, mErr.Kind)
}

func TestAddRejectsPortCollisionAcrossDefinitionsRegardlessOfRunningState(t *testing.T) {
	m, st, cat := newTestManager(t)
	require.NoError(t, st.AddUpstream(state.Upstream{Name: "u1", URL: "http://x"}))
	require.NoError(t, cat.RegisterTool("u1", jsonrpc.Tool{Name: "t1"}))

	port := freePort(t)
	def1, err := m.Add(context.Background(), Definition{
		ID:              "v1",
		Name:            "v1",
		Port:            port,
		SourceServerIDs: []string{"u1"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	})
	require.NoError(t, err)
	m.Stop(def1.ID)

	_, err = m.Add(context.Background(), Definition{
		ID:              "v2",
		Name:            "v2",
		Port:            port,
		SourceServerIDs: []string{"u1"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	})
	require.Error(t, err)
	var mErr *Error
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, ErrPortCollision, mErr.Kind)
}

func TestAddAutoStartFailureLeavesDefinitionInErrorStatus(t *testing.T) {
	m, st, _ := newTestManager(t)
	require.NoError(t, st.AddUpstream(state.Upstream{Name: "u1", URL: "http://x"}))
	// No catalog entries registered for u1, so the aggregated view is
	// empty and auto-start must fail without deleting the definition.

	def, err := m.Add(context.Background(), Definition{
		ID:              "v1",
		Name:            "v1",
		Port:            freePort(t),
		SourceServerIDs: []string{"u1"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	})
	require.NoError(t, err)

	got, ok := m.Get(def.ID)
	require.True(t, ok)
	require.Equal(t, vserver.StatusError, got.Status)
	require.NotEmpty(t, got.LastError)
}

func TestRemoveStopsThenDeletes(t *testing.T) {
	m, st, cat := newTestManager(t)
	require.NoError(t, st.AddUpstream(state.Upstream{Name: "u1", URL: "http://x"}))
	require.NoError(t, cat.RegisterTool("u1", jsonrpc.Tool{Name: "t1"}))

	def, err := m.Add(context.Background(), Definition{
		ID:              "v1",
		Name:            "v1",
		Port:            freePort(t),
		SourceServerIDs: []string{"u1"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	})
	require.NoError(t, err)

	require.NoError(t, m.Remove(def.ID))
	_, ok := m.Get(def.ID)
	require.False(t, ok)
	_, ok = m.GetInstance(def.ID)
	require.False(t, ok)
}
