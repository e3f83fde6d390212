package transport

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

	"nexus/internal/jsonrpc"
)

// fakeUpstream is a minimal in-process upstream speaking the exact SSE+POST
// framing of base spec §4.1: one "endpoint" event, then POSTed requests
// echoed back as "message" events on the SSE stream.
type fakeUpstream struct {
	mu       sync.Mutex
	flushers []http.Flusher
	writers  []http.ResponseWriter
	sessions []string
	handler  func(msg *jsonrpc.Message) *jsonrpc.Message
	srv      *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", f.handleSSE)
	mux.HandleFunc("/message", f.handleMessage)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)

	sessionID := fmt.Sprintf("sess-%d", len(f.sessions)+1)
	f.mu.Lock()
	f.flushers = append(f.flushers, flusher)
	f.writers = append(f.writers, w)
	f.sessions = append(f.sessions, sessionID)
	f.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"endpoint": "/message", "sessionId": sessionID})
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", payload)
	flusher.Flush()

	<-r.Context().Done()
}

func (f *fakeUpstream) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg jsonrpc.Message
	json.NewDecoder(r.Body).Decode(&msg)
	w.WriteHeader(http.StatusAccepted)

	go func() {
		var resp *jsonrpc.Message
		if f.handler != nil {
			resp = f.handler(&msg)
		} else {
			resp, _ = jsonrpc.NewResult(msg.ID, map[string]string{"echo": "ok"})
		}
		if resp == nil {
			return
		}
		data, _ := json.Marshal(resp)
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.flushers) == 0 {
			return
		}
		fw := f.flushers[len(f.flushers)-1]
		w := f.writers[len(f.writers)-1]
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		fw.Flush()
	}()
}

func testConfig(url string) Config {
	return Config{BaseURL: url, Timeout: 2 * time.Second, MaxRetries: 2, RetryDelay: 10 * time.Millisecond}
}

func TestTransportStartAndRequest(t *testing.T) {
	up := newFakeUpstream(t)
	tr := New("u1", testConfig(up.srv.URL), Hooks{})

	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, tr.IsConnected())

	req, err := jsonrpc.NewRequest("1", "tools/call", jsonrpc.CallToolParams{Name: "echo"})
	require.NoError(t, err)

	resp, err := tr.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	require.NoError(t, tr.Close())
}

// TestTransportRPCErrorOutcome verifies that an upstream JSON-RPC error
// response completes the Request with a KindRPCError failure.
func TestTransportRPCErrorOutcome(t *testing.T) {
	up := newFakeUpstream(t)
	up.handler = func(msg *jsonrpc.Message) *jsonrpc.Message {
		return jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "no such method", nil)
	}
	tr := New("u1", testConfig(up.srv.URL), Hooks{})
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	req, _ := jsonrpc.NewRequest("1", "bogus", nil)
	_, err := tr.Request(context.Background(), req)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindRPCError, terr.Kind)
}

func TestTransportRequestTimeout(t *testing.T) {
	up := newFakeUpstream(t)
	up.handler = func(msg *jsonrpc.Message) *jsonrpc.Message { return nil } // never respond
	cfg := testConfig(up.srv.URL)
	cfg.Timeout = 100 * time.Millisecond
	tr := New("u1", cfg, Hooks{})
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	req, _ := jsonrpc.NewRequest("1", "slow", nil)
	_, err := tr.Request(context.Background(), req)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindTimeout, terr.Kind)
	assert.True(t, terr.Retryable)
}

func TestTransportCloseFailsPending(t *testing.T) {
	up := newFakeUpstream(t)
	up.handler = func(msg *jsonrpc.Message) *jsonrpc.Message { return nil }
	tr := New("u1", testConfig(up.srv.URL), Hooks{})
	require.NoError(t, tr.Start(context.Background()))

	req, _ := jsonrpc.NewRequest("1", "slow", nil)
	done := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), req)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, KindConnectionClosed, terr.Kind)
	case <-time.After(time.Second):
		t.Fatal("request did not complete after close")
	}
}

func TestTransportOnMessageAfterCorrelation(t *testing.T) {
	up := newFakeUpstream(t)
	hookSawPending := make(chan bool, 1)
	var tr *Transport
	tr = New("u1", testConfig(up.srv.URL), Hooks{
		OnMessage: func(msg *jsonrpc.Message) {
			tr.pendingMu.Lock()
			_, stillPending := tr.pending[jsonrpc.IDKey(msg.ID)]
			tr.pendingMu.Unlock()
			hookSawPending <- stillPending
		},
	})
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	req, _ := jsonrpc.NewRequest("1", "tools/call", nil)
	_, err := tr.Request(context.Background(), req)
	require.NoError(t, err)
	select {
	case stillPending := <-hookSawPending:
		assert.False(t, stillPending, "OnMessage must run after the pending entry is completed")
	case <-time.After(time.Second):
		t.Fatal("OnMessage hook was not invoked")
	}
}

func TestTransportSendQueuesWhileDisconnected(t *testing.T) {
	tr := New("u1", Config{BaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}, Hooks{})
	note, _ := jsonrpc.NewNotification("ping", nil)
	require.NoError(t, tr.Send(note))
	assert.Len(t, tr.queue, 1)
}

func TestQueueFullDropsOldestNotification(t *testing.T) {
	tr := New("u1", Config{BaseURL: "http://127.0.0.1:1", QueueHighWaterMark: 2}, Hooks{})
	n1, _ := jsonrpc.NewNotification("a", nil)
	n2, _ := jsonrpc.NewNotification("b", nil)
	n3, _ := jsonrpc.NewNotification("c", nil)
	require.NoError(t, tr.Send(n1))
	require.NoError(t, tr.Send(n2))
	require.NoError(t, tr.Send(n3))
	require.Len(t, tr.queue, 2)
	assert.Equal(t, "b", tr.queue[0].Method)
}

func TestQueueFullFailsRequestFast(t *testing.T) {
	tr := New("u1", Config{BaseURL: "http://127.0.0.1:1", QueueHighWaterMark: 1}, Hooks{})
	n1, _ := jsonrpc.NewNotification("a", nil)
	require.NoError(t, tr.Send(n1))

	req, _ := jsonrpc.NewRequest("1", "x", nil)
	err := tr.Send(req)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindQueueFull, terr.Kind)
}
