package vserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nexus/internal/aggregator"
	"nexus/internal/catalog"
	"nexus/internal/jsonrpc"
	"nexus/internal/registry"
	"nexus/internal/transport"
)

// echoUpstream answers tools/list with a single "echo" tool and tools/call
// by reflecting its arguments back as the result.
type echoUpstream struct {
	mu      sync.Mutex
	flusher http.Flusher
	w       http.ResponseWriter
	srv     *httptest.Server
}

func newEchoUpstream(t *testing.T) *echoUpstream {
	u := &echoUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", u.handleSSE)
	mux.HandleFunc("/message", u.handleMessage)
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *echoUpstream) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	u.mu.Lock()
	u.flusher, u.w = flusher, w
	u.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"endpoint": "/message", "sessionId": "up1"})
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", payload)
	flusher.Flush()
	<-r.Context().Done()
}

func (u *echoUpstream) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg jsonrpc.Message
	json.NewDecoder(r.Body).Decode(&msg)
	w.WriteHeader(http.StatusAccepted)

	go func() {
		var resp *jsonrpc.Message
		switch msg.Method {
		case "tools/list":
			resp, _ = jsonrpc.NewResult(msg.ID, jsonrpc.ListToolsResult{Tools: []jsonrpc.Tool{{Name: "echo"}}})
		case "tools/call":
			var p jsonrpc.CallToolParams
			json.Unmarshal(msg.Params, &p)
			resp, _ = jsonrpc.NewResult(msg.ID, map[string]any{"echoed": p.Arguments})
		}
		if resp == nil {
			return
		}
		data, _ := json.Marshal(resp)
		u.mu.Lock()
		defer u.mu.Unlock()
		fmt.Fprintf(u.w, "event: message\ndata: %s\n\n", data)
		u.flusher.Flush()
	}()
}

// sseClient reads framed endpoint/message events off an SSE response body.
type sseClient struct {
	r        *bufio.Scanner
	resp     *http.Response
	endpoint string
	session  string
}

func dialSSE(t *testing.T, baseURL string) *sseClient {
	resp, err := http.Get(baseURL + "/sse")
	require.NoError(t, err)
	c := &sseClient{r: bufio.NewScanner(resp.Body), resp: resp}
	ev, data := c.next(t)
	require.Equal(t, "endpoint", ev)
	var payload struct {
		Endpoint  string `json:"endpoint"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	c.endpoint = payload.Endpoint
	c.session = payload.SessionID
	return c
}

func (c *sseClient) next(t *testing.T) (event, data string) {
	for c.r.Scan() {
		line := c.r.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			return event, data
		}
	}
	t.Fatal("sse stream ended unexpectedly")
	return "", ""
}

func TestInstanceServesEchoToolEndToEnd(t *testing.T) {
	up := newEchoUpstream(t)
	reg := registry.New()
	tr := transport.New("up1", transport.Config{BaseURL: up.srv.URL, Timeout: 2 * time.Second}, transport.Hooks{})
	require.NoError(t, reg.Add("up1", tr))
	require.NoError(t, reg.Connect(context.Background(), "up1"))

	req, _ := jsonrpc.NewRequest("1", "tools/list", nil)
	resp, err := reg.Request(context.Background(), "up1", req)
	require.NoError(t, err)
	var listed jsonrpc.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &listed))

	cat := catalog.New()
	require.NoError(t, cat.ReplaceSourceTools("up1", listed.Tools))

	inst := New(Spec{
		ID:              "v1",
		Name:            "vtest",
		Port:            0,
		SourceServerIDs: []string{"up1"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	}, reg, cat, nil)

	// Start binds with net.Listen(":0") internally via spec.Port; use an
	// ephemeral high port unlikely to collide rather than 0, since the
	// instance's own net.Listen needs a concrete, known address to dial.
	inst.spec.Port = freePort(t)
	require.NoError(t, inst.Start(context.Background()))
	defer inst.Stop()

	base := fmt.Sprintf("http://127.0.0.1:%d", inst.spec.Port)
	client := dialSSE(t, base)
	defer client.resp.Body.Close()

	callMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      "c1",
		"method":  "tools/call",
		"params":  map[string]any{"name": "echo", "arguments": map[string]any{"x": 1}},
	}
	body, _ := json.Marshal(callMsg)
	postResp, err := http.Post(base+client.endpoint+"?sessionId="+client.session, "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, postResp.StatusCode)
	postResp.Body.Close()

	ev, data := client.next(t)
	require.Equal(t, "message", ev)
	var result jsonrpc.Message
	require.NoError(t, json.Unmarshal([]byte(data), &result))
	require.Nil(t, result.Error)
}

func TestStartFailsOnEmptyView(t *testing.T) {
	reg := registry.New()
	cat := catalog.New()
	inst := New(Spec{
		ID:              "v2",
		SourceServerIDs: []string{"nowhere"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	}, reg, cat, nil)

	err := inst.Start(context.Background())
	require.Error(t, err)
	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, KindStartupNoCaps, vErr.Kind)
	require.Equal(t, StatusError, inst.Status())
}

func TestStopIsIdempotent(t *testing.T) {
	reg := registry.New()
	cat := catalog.New()
	require.NoError(t, cat.RegisterTool("up1", jsonrpc.Tool{Name: "t"}))

	inst := New(Spec{
		ID:              "v3",
		SourceServerIDs: []string{"up1"},
		Rules:           []aggregator.Rule{{Kind: aggregator.RuleAggregateAll}},
	}, reg, cat, nil)
	inst.spec.Port = freePort(t)
	require.NoError(t, inst.Start(context.Background()))
	inst.Stop()
	inst.Stop()
	require.Equal(t, StatusStopped, inst.Status())
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestResolveResourceFallbackHonorsOwnSourcesOnly(t *testing.T) {
	source, ok := resolveResourceFallback("mcp://up1/path/to/thing", []string{"up1", "up2"})
	require.True(t, ok)
	require.Equal(t, "up1", source)

	_, ok = resolveResourceFallback("mcp://up3/path", []string{"up1", "up2"})
	require.False(t, ok, "a source not in this vMCP's own sourceServerIds must never resolve")

	_, ok = resolveResourceFallback("https://example.com/resource", []string{"up1"})
	require.False(t, ok, "non mcp:// uris are never a fallback candidate")

	source, ok = resolveResourceFallback("mcp://up1", []string{"up1"})
	require.True(t, ok)
	require.Equal(t, "up1", source)
}
