package discoverer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/catalog"
	"nexus/internal/jsonrpc"
	"nexus/internal/registry"
	"nexus/internal/transport"
)

// listUpstream is a fake upstream serving canned tools/prompts/resources
// list responses, mutable between calls to exercise refresh behavior.
type listUpstream struct {
	mu        sync.Mutex
	toolNames []string
	flusher   http.Flusher
	w         http.ResponseWriter
	srv       *httptest.Server
}

func newListUpstream(t *testing.T, toolNames []string) *listUpstream {
	u := &listUpstream{toolNames: toolNames}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", u.handleSSE)
	mux.HandleFunc("/message", u.handleMessage)
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *listUpstream) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	u.mu.Lock()
	u.flusher = flusher
	u.w = w
	u.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"endpoint": "/message", "sessionId": "s1"})
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", payload)
	flusher.Flush()
	<-r.Context().Done()
}

func (u *listUpstream) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg jsonrpc.Message
	json.NewDecoder(r.Body).Decode(&msg)
	w.WriteHeader(http.StatusAccepted)

	go func() {
		var resp *jsonrpc.Message
		switch msg.Method {
		case "tools/list":
			u.mu.Lock()
			names := append([]string(nil), u.toolNames...)
			u.mu.Unlock()
			tools := make([]jsonrpc.Tool, len(names))
			for i, n := range names {
				tools[i] = jsonrpc.Tool{Name: n}
			}
			resp, _ = jsonrpc.NewResult(msg.ID, jsonrpc.ListToolsResult{Tools: tools})
		case "prompts/list":
			resp, _ = jsonrpc.NewResult(msg.ID, jsonrpc.ListPromptsResult{})
		case "resources/list":
			resp, _ = jsonrpc.NewResult(msg.ID, jsonrpc.ListResourcesResult{})
		}
		if resp == nil {
			return
		}
		data, _ := json.Marshal(resp)
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.flusher == nil {
			return
		}
		fmt.Fprintf(u.w, "event: message\ndata: %s\n\n", data)
		u.flusher.Flush()
	}()
}

func TestDiscoverRegistersAllThreeKinds(t *testing.T) {
	up := newListUpstream(t, []string{"a"})
	reg := registry.New()
	tr := transport.New("u1", transport.Config{BaseURL: up.srv.URL, Timeout: 2 * time.Second}, transport.Hooks{})
	require.NoError(t, reg.Add("u1", tr))

	cat := catalog.New()
	d := New(reg, cat, nil)
	require.NoError(t, d.Discover(context.Background(), "u1"))

	assert.Len(t, cat.ToolsForSource("u1"), 1)
}

func TestDiscoverTwiceReplacesNotMerges(t *testing.T) {
	up := newListUpstream(t, []string{"a"})
	reg := registry.New()
	tr := transport.New("u1", transport.Config{BaseURL: up.srv.URL, Timeout: 2 * time.Second}, transport.Hooks{})
	require.NoError(t, reg.Add("u1", tr))

	cat := catalog.New()
	d := New(reg, cat, nil)
	require.NoError(t, d.Discover(context.Background(), "u1"))
	require.Len(t, cat.ToolsForSource("u1"), 1)

	up.mu.Lock()
	up.toolNames = []string{"b", "c"}
	up.mu.Unlock()

	require.NoError(t, d.Discover(context.Background(), "u1"))
	assert.Len(t, cat.ToolsForSource("u1"), 2)
}
