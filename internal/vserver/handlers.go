package vserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"nexus/internal/aggregator"
	"nexus/internal/jsonrpc"
	"nexus/pkg/logging"
)

// buildRouter registers the SSE/message/health endpoints. Which JSON-RPC
// methods those endpoints answer depends on view's contents (base spec
// §4.6: "the set depends on what the aggregated view contains") and is
// enforced inside dispatch, since every method is multiplexed through the
// single /message endpoint rather than routed per-method.
func (inst *Instance) buildRouter(view *aggregator.View) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sse", inst.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/message", inst.handleMessage).Methods(http.MethodPost)
	r.HandleFunc("/health", inst.handleHealth).Methods(http.MethodGet)
	return r
}

func (inst *Instance) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sess := &session{id: uuid.NewString(), w: w, flush: flusher, closed: make(chan struct{})}

	inst.sessMu.Lock()
	inst.sessions[sess.id] = sess
	inst.sessMu.Unlock()
	defer func() {
		inst.sessMu.Lock()
		delete(inst.sessions, sess.id)
		inst.sessMu.Unlock()
	}()

	payload, _ := json.Marshal(map[string]string{"endpoint": "/message", "sessionId": sess.id})
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", payload)
	flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-sess.closed:
	}
}

func (inst *Instance) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	inst.sessMu.Lock()
	sess, ok := inst.sessions[sessionID]
	inst.sessMu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var msg jsonrpc.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusAccepted)
		inst.deliver(sess, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error", nil))
		return
	}
	w.WriteHeader(http.StatusAccepted)

	// dispatch runs after this handler has already answered 202 Accepted,
	// so it must not inherit r.Context(): net/http cancels that context
	// the moment this function returns, which would race (and almost
	// always beat) the real upstream reply arriving over SSE.
	go inst.dispatch(context.Background(), sess, &msg)
}

func (inst *Instance) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := inst.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// deliver writes a JSON-RPC message to sess as a `message` SSE event.
func (inst *Instance) deliver(sess *session, msg *jsonrpc.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	inst.sessMu.Lock()
	defer inst.sessMu.Unlock()
	select {
	case <-sess.closed:
		return
	default:
	}
	fmt.Fprintf(sess.w, "event: message\ndata: %s\n\n", data)
	sess.flush.Flush()
}

// dispatch implements the base spec §4.6 MCP request dispatcher, proxying
// through the Transport Registry using the routing map frozen at start.
func (inst *Instance) dispatch(ctx context.Context, sess *session, msg *jsonrpc.Message) {
	if msg.IsNotification() {
		logging.Debug("vserver", "%s: ignoring client notification %q", inst.spec.ID, msg.Method)
		return
	}
	if !msg.IsRequest() {
		return
	}

	inst.mu.Lock()
	view := inst.view
	inst.mu.Unlock()
	if view == nil {
		inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "instance not running", nil))
		return
	}

	switch msg.Method {
	case "tools/list":
		inst.deliver(sess, mustResult(msg.ID, jsonrpc.ListToolsResult{Tools: view.Tools}))
	case "tools/call":
		inst.proxyCall(ctx, sess, msg, view, aggregator.KindTool)
	case "prompts/list":
		if len(view.Prompts) == 0 {
			inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method, nil))
			return
		}
		inst.deliver(sess, mustResult(msg.ID, jsonrpc.ListPromptsResult{Prompts: view.Prompts}))
	case "prompts/get":
		inst.proxyCall(ctx, sess, msg, view, aggregator.KindPrompt)
	case "resources/list":
		if len(view.Resources) == 0 {
			inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method, nil))
			return
		}
		inst.deliver(sess, mustResult(msg.ID, jsonrpc.ListResourcesResult{Resources: view.Resources}))
	case "resources/get":
		inst.proxyCall(ctx, sess, msg, view, aggregator.KindResource)
	case "health/check":
		inst.deliver(sess, mustResult(msg.ID, inst.CheckHealth(ctx)))
	default:
		inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method, nil))
	}
}

// identifierOf extracts the routing identifier (tool/prompt name or
// resource uri) from a request's params for the given kind.
func identifierOf(kind aggregator.Kind, params []byte) (string, map[string]any, error) {
	switch kind {
	case aggregator.KindTool:
		var p jsonrpc.CallToolParams
		if err := json.Unmarshal(params, &p); err != nil {
			return "", nil, err
		}
		return p.Name, p.Arguments, nil
	case aggregator.KindPrompt:
		var p jsonrpc.GetPromptParams
		if err := json.Unmarshal(params, &p); err != nil {
			return "", nil, err
		}
		return p.Name, p.Arguments, nil
	case aggregator.KindResource:
		var p jsonrpc.GetResourceParams
		if err := json.Unmarshal(params, &p); err != nil {
			return "", nil, err
		}
		return p.URI, nil, nil
	}
	return "", nil, fmt.Errorf("unsupported kind %q", kind)
}

func proxyMethod(kind aggregator.Kind) string {
	switch kind {
	case aggregator.KindTool:
		return "tools/call"
	case aggregator.KindPrompt:
		return "prompts/get"
	default:
		return "resources/get"
	}
}

// proxyCall resolves msg's identifier in the routing map, falling back (for
// resources only) to mcp://<source>/... passthrough among this instance's
// own sourceServerIds, then forwards a newly-minted request to the mapped
// source and relays the result back to sess.
func (inst *Instance) proxyCall(ctx context.Context, sess *session, msg *jsonrpc.Message, view *aggregator.View, kind aggregator.Kind) {
	identifier, args, err := identifierOf(kind, msg.Params)
	if err != nil {
		inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidParams, "invalid params", nil))
		return
	}

	target, ok := view.Routes[aggregator.RouteKey{Kind: kind, Identifier: identifier}]
	if !ok && kind == aggregator.KindResource {
		if source, resolved := resolveResourceFallback(identifier, inst.spec.SourceServerIDs); resolved {
			target = aggregator.RouteTarget{Source: source, Identifier: identifier}
			ok = true
		}
	}
	if !ok {
		inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeMethodNotFound, "capability not found: "+identifier, nil))
		return
	}

	if inst.isSourceDown(target.Source) {
		inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "upstream unavailable: "+target.Source, nil))
		return
	}

	var params any
	switch kind {
	case aggregator.KindTool:
		params = jsonrpc.CallToolParams{Name: target.Identifier, Arguments: args}
	case aggregator.KindPrompt:
		params = jsonrpc.GetPromptParams{Name: target.Identifier, Arguments: args}
	case aggregator.KindResource:
		params = jsonrpc.GetResourceParams{URI: target.Identifier}
	}

	proxyReq, err := jsonrpc.NewRequest(uuid.NewString(), proxyMethod(kind), params)
	if err != nil {
		inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "internal error", nil))
		return
	}

	// Detached from the inbound client request's context on purpose: ctx
	// here already traces back to context.Background() (see handleMessage),
	// never to the POST request that triggered this dispatch.
	pctx, cancel := context.WithTimeout(ctx, inst.spec.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := inst.reg.Request(pctx, target.Source, proxyReq)
	inst.recordProxyRequest(proxyMethod(kind), time.Since(start), err == nil && (resp == nil || resp.Error == nil))

	if err != nil {
		inst.deliver(sess, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, err.Error(), nil))
		return
	}
	if resp.Error != nil {
		inst.deliver(sess, jsonrpc.NewError(msg.ID, resp.Error.Code, resp.Error.Message, resp.Error.Data))
		return
	}
	inst.deliver(sess, &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: resp.Result})
}

// recordProxyRequest records one proxyCall outcome to the proxy request
// counter and latency histogram, if this instance was built with a metrics
// registry.
func (inst *Instance) recordProxyRequest(method string, d time.Duration, ok bool) {
	if inst.metrics == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "success"
	}
	inst.metrics.ProxyRequestsTotal.WithLabelValues(inst.spec.ID, method, outcome).Inc()
	inst.metrics.ProxyRequestLatency.WithLabelValues(inst.spec.ID, method).Observe(d.Seconds())
}

// resolveResourceFallback handles pass-through of server-scoped uris of the
// shape mcp://<source>/... when <source> is one of this vMCP's own sources
// (base spec §4.6, resolving the §9 open question in favor of membership
// checking rather than blind trust).
func resolveResourceFallback(uri string, sourceIDs []string) (string, bool) {
	const prefix = "mcp://"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	rest := uri[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	var source string
	if idx < 0 {
		source = rest
	} else {
		source = rest[:idx]
	}
	for _, s := range sourceIDs {
		if s == source {
			return source, true
		}
	}
	return "", false
}

func mustResult(id any, result any) *jsonrpc.Message {
	msg, err := jsonrpc.NewResult(id, result)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "internal error", nil)
	}
	return msg
}
