// Package transport implements the correlated SSE+POST JSON-RPC channel to
// a single upstream (base spec §4.1, C1). One Transport owns one upstream
// connection: a long-lived SSE GET for server->client traffic and HTTP POST
// for client->server traffic, correlated by JSON-RPC id.
//
// This is hand-rolled rather than built on a ready-made MCP client library
// (as the teacher codebase does for its own outbound connections) because
// the spec's core engineering challenge is precisely the part such a
// library would hide: an explicit correlation table keyed by id, bounded
// queueing while disconnected, and a reconnect loop that never retries
// in-flight requests. See DESIGN.md.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"nexus/internal/jsonrpc"
	"nexus/pkg/logging"
)

// Config configures one Transport instance.
type Config struct {
	// BaseURL is the upstream's base address, e.g. "http://127.0.0.1:40001".
	BaseURL string
	// AuthToken, if set, is sent as "Authorization: Bearer <token>".
	AuthToken string
	// Timeout bounds Start and every Request. Default 30s.
	Timeout time.Duration
	// MaxRetries bounds reconnect attempts after the SSE stream errors.
	// Default 5.
	MaxRetries int
	// RetryDelay is the base reconnect backoff delay. Default 1s,
	// exponential, capped by MaxRetries attempts.
	RetryDelay time.Duration
	// QueueHighWaterMark bounds the outbound queue while disconnected.
	// Default 1024.
	QueueHighWaterMark int
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.QueueHighWaterMark <= 0 {
		c.QueueHighWaterMark = 1024
	}
}

// Hooks are the observer callbacks a caller may register. OnMessage is
// invoked for every inbound JSON-RPC message *after* correlation has been
// attempted, so a caller sees a completed request's result via the
// Request() return value first, and the same raw message via OnMessage
// second. OnError and OnClose both fire when reconnect attempts are
// exhausted; an explicit Close fires OnClose only.
type Hooks struct {
	OnMessage func(*jsonrpc.Message)
	OnError   func(error)
	OnClose   func()
}

type pendingEntry struct {
	resultCh chan pendingResult
	timer    *time.Timer
}

type pendingResult struct {
	msg *jsonrpc.Message
	err error
}

// Transport is one correlated JSON-RPC channel to an upstream.
type Transport struct {
	name  string
	cfg   Config
	hooks Hooks

	client *http.Client

	mu          sync.Mutex
	connected   bool
	closed      bool
	sessionID   string
	endpointURL *url.URL
	retryCount  int

	connCtx    context.Context
	connCancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	queueMu sync.Mutex
	queue   []*jsonrpc.Message

	endpointReady chan struct{}
}

// New creates a Transport for the named upstream. The name is used only for
// logging and error attribution; the registry is the authority on uniqueness.
func New(name string, cfg Config, hooks Hooks) *Transport {
	cfg.setDefaults()
	return &Transport{
		name:          name,
		cfg:           cfg,
		hooks:         hooks,
		client:        &http.Client{},
		pending:       make(map[string]*pendingEntry),
		endpointReady: make(chan struct{}),
	}
}

// Start opens the SSE stream and waits for the endpoint event. Idempotent
// when already open.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.closed {
		t.mu.Unlock()
		return newError(t.name, KindConnectionClosed, false, fmt.Errorf("transport closed"))
	}
	t.connCtx, t.connCancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	if err := t.openStream(); err != nil {
		return err
	}

	select {
	case <-t.endpointReady:
		t.mu.Lock()
		t.connected = true
		t.retryCount = 0
		t.mu.Unlock()
		logging.Info("transport", "%s: connected, session=%s", t.name, logging.TruncateSessionID(t.sessionID))
		t.flushQueue()
		return nil
	case <-startCtx.Done():
		t.teardown()
		return newError(t.name, KindConnectionTimeout, true, startCtx.Err())
	}
}

// openStream issues the SSE GET and starts the background reader.
func (t *Transport) openStream() error {
	req, err := http.NewRequestWithContext(t.connCtx, http.MethodGet, t.cfg.BaseURL+"/sse", nil)
	if err != nil {
		return newError(t.name, KindConnectionFailed, true, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return newError(t.name, KindConnectionFailed, true, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return newError(t.name, KindConnectionFailed, false, fmt.Errorf("authentication required"))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return newError(t.name, KindConnectionFailed, true, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body))
	}

	go t.readLoop(resp.Body)
	return nil
}

// readLoop scans SSE events off body until it errs, the connection context
// is cancelled, or the stream ends. On an unexpected end it triggers
// reconnect.
func (t *Transport) readLoop(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event, data strings.Builder

	flush := func() {
		if event.Len() == 0 && data.Len() == 0 {
			return
		}
		t.handleEvent(event.String(), data.String())
		event.Reset()
		data.Reset()
	}

	for scanner.Scan() {
		select {
		case <-t.connCtx.Done():
			return
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment, ignore
		case strings.HasPrefix(line, "event:"):
			event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()

	select {
	case <-t.connCtx.Done():
		return
	default:
	}

	t.onStreamBroken(scanner.Err())
}

func (t *Transport) handleEvent(event, data string) {
	if data == "" {
		return
	}
	switch event {
	case "endpoint":
		t.handleEndpointEvent(data)
	case "message":
		t.handleMessageEvent(data)
	default:
		// Unknown event types are ignored; not every upstream emits only
		// "endpoint"/"message".
	}
}

func (t *Transport) handleEndpointEvent(data string) {
	var payload struct {
		Endpoint  string `json:"endpoint"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		logging.Error("transport", err, "%s: malformed endpoint event", t.name)
		return
	}

	base, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return
	}
	ep, err := url.Parse(payload.Endpoint)
	if err != nil {
		return
	}
	resolved := base.ResolveReference(ep)
	q := resolved.Query()
	q.Set("sessionId", payload.SessionID)
	resolved.RawQuery = q.Encode()

	t.mu.Lock()
	t.sessionID = payload.SessionID
	t.endpointURL = resolved
	t.mu.Unlock()

	select {
	case <-t.endpointReady:
		// already signalled (a reconnect refreshed the endpoint)
		t.mu.Lock()
		alreadyConnected := t.connected
		t.mu.Unlock()
		if alreadyConnected {
			t.flushQueue()
		}
	default:
		close(t.endpointReady)
	}
}

func (t *Transport) handleMessageEvent(data string) {
	var msg jsonrpc.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		logging.Warn("transport", "%s: dropping invalid message: %v", t.name, err)
		return
	}
	t.correlate(&msg)
}

// correlate implements the §4.1 correlation algorithm: complete a matching
// pending entry first, then always invoke the OnMessage hook with the raw
// message. This ordering is the single most important correctness property
// of the transport (design note in base spec §9).
func (t *Transport) correlate(msg *jsonrpc.Message) {
	if msg.ID != nil && msg.IsResponse() {
		key := jsonrpc.IDKey(msg.ID)
		t.pendingMu.Lock()
		entry, ok := t.pending[key]
		if ok {
			delete(t.pending, key)
		}
		t.pendingMu.Unlock()

		if ok {
			entry.timer.Stop()
			entry.resultCh <- pendingResult{msg: msg}
		}
	}

	if t.hooks.OnMessage != nil {
		t.hooks.OnMessage(msg)
	}
}

// onStreamBroken runs when the SSE body ends unexpectedly. It fails all
// pending requests immediately (their correlation ids are now meaningless)
// and starts a bounded reconnect loop.
func (t *Transport) onStreamBroken(readErr error) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}

	t.failAllPending(newError(t.name, KindConnectionClosed, true, readErr))

	if !wasConnected {
		// broke before ever establishing: Start() itself will surface this.
		return
	}

	logging.Warn("transport", "%s: stream broken (%v), attempting reconnect", t.name, readErr)
	go t.reconnectLoop()
}

// reconnectAttempt is one attempt at re-opening the SSE stream, used as the
// operation passed to backoff.Retry.
func (t *Transport) reconnectAttempt(attempt int) (struct{}, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return struct{}{}, backoff.Permanent(fmt.Errorf("transport closed"))
	}
	t.endpointReady = make(chan struct{})
	t.retryCount = attempt
	t.mu.Unlock()

	if err := t.openStream(); err != nil {
		logging.Warn("transport", "%s: reconnect attempt %d failed: %v", t.name, attempt, err)
		return struct{}{}, err
	}

	select {
	case <-t.endpointReady:
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		logging.Info("transport", "%s: reconnected after %d attempt(s)", t.name, attempt)
		t.flushQueue()
		return struct{}{}, nil
	case <-time.After(t.cfg.Timeout):
		err := fmt.Errorf("reconnect attempt %d timed out waiting for endpoint", attempt)
		logging.Warn("transport", "%s: %v", t.name, err)
		return struct{}{}, err
	case <-t.connCtx.Done():
		return struct{}{}, backoff.Permanent(t.connCtx.Err())
	}
}

// reconnectLoop retries reconnection with exponential backoff, bounded by
// MaxRetries attempts (base spec §4.1). Pending requests are never retried
// across a reconnect: their correlation ids were already failed in
// onStreamBroken before this loop starts.
func (t *Transport) reconnectLoop() {
	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.RetryDelay

	_, err := backoff.Retry(t.connCtx, func() (struct{}, error) {
		attempt++
		return t.reconnectAttempt(attempt)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(t.cfg.MaxRetries)))

	if err == nil {
		return
	}

	logging.Error("transport", fmt.Errorf("reconnection_failed"), "%s: exhausted %d reconnect attempts", t.name, t.cfg.MaxRetries)
	t.teardown()
	if t.hooks.OnError != nil {
		t.hooks.OnError(newError(t.name, KindReconnectionFailed, false, nil))
	}
	if t.hooks.OnClose != nil {
		t.hooks.OnClose()
	}
}

// Send delivers msg without waiting for a reply. If the transport is not
// currently connected, msg is queued (bounded, FIFO, dropping the oldest
// non-request notification when full) and flushed on (re)connect.
func (t *Transport) Send(msg *jsonrpc.Message) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return t.enqueue(msg)
	}
	return t.post(msg)
}

func (t *Transport) enqueue(msg *jsonrpc.Message) error {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()

	if len(t.queue) >= t.cfg.QueueHighWaterMark {
		if msg.IsRequest() {
			return newError(t.name, KindQueueFull, true, fmt.Errorf("send queue full"))
		}
		// drop the oldest non-request notification to make room
		for i, m := range t.queue {
			if !m.IsRequest() {
				t.queue = append(t.queue[:i], t.queue[i+1:]...)
				break
			}
		}
		if len(t.queue) >= t.cfg.QueueHighWaterMark {
			return newError(t.name, KindQueueFull, true, fmt.Errorf("send queue full"))
		}
	}
	t.queue = append(t.queue, msg)
	return nil
}

func (t *Transport) flushQueue() {
	t.queueMu.Lock()
	pending := t.queue
	t.queue = nil
	t.queueMu.Unlock()

	for _, msg := range pending {
		if err := t.post(msg); err != nil {
			logging.Warn("transport", "%s: failed to flush queued message: %v", t.name, err)
		}
	}
}

func (t *Transport) post(msg *jsonrpc.Message) error {
	t.mu.Lock()
	ep := t.endpointURL
	t.mu.Unlock()
	if ep == nil {
		return newError(t.name, KindNotConnected, true, fmt.Errorf("no endpoint yet"))
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return newError(t.name, KindMessageSendFailed, false, err)
	}

	req, err := http.NewRequestWithContext(t.connCtx, http.MethodPost, ep.String(), bytes.NewReader(body))
	if err != nil {
		return newError(t.name, KindMessageSendFailed, true, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return newError(t.name, KindMessageSendFailed, true, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return newError(t.name, KindMessageSendFailed, true, fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}
	return nil
}

// Request sends msg (which must carry a non-nil id) and waits for the
// matching response, a timeout, or transport closure. Exactly one of
// (result, error) fires.
func (t *Transport) Request(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if msg.ID == nil {
		return nil, newError(t.name, KindInvalidMessage, false, fmt.Errorf("request message must have an id"))
	}

	key := jsonrpc.IDKey(msg.ID)
	entry := &pendingEntry{resultCh: make(chan pendingResult, 1)}

	t.pendingMu.Lock()
	t.pending[key] = entry
	t.pendingMu.Unlock()

	timeout := t.cfg.Timeout
	entry.timer = time.AfterFunc(timeout, func() {
		t.pendingMu.Lock()
		if _, ok := t.pending[key]; ok {
			delete(t.pending, key)
			t.pendingMu.Unlock()
			entry.resultCh <- pendingResult{err: newError(t.name, KindTimeout, true, fmt.Errorf("request timed out after %s", timeout))}
			return
		}
		t.pendingMu.Unlock()
	})

	cleanup := func() {
		t.pendingMu.Lock()
		delete(t.pending, key)
		t.pendingMu.Unlock()
		entry.timer.Stop()
	}

	if err := t.Send(msg); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case res := <-entry.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, &Error{
				Kind:     KindRPCError,
				Upstream: t.name,
				RPC: &RPCDetail{
					Code:    res.msg.Error.Code,
					Message: res.msg.Error.Message,
					Data:    res.msg.Error.Data,
				},
			}
		}
		return res.msg, nil
	case <-ctx.Done():
		cleanup()
		return nil, newError(t.name, KindTimeout, true, ctx.Err())
	}
}

// Close tears the transport down: the SSE stream is cancelled, queues are
// cleared, and all pending requests complete with a non-retryable error.
// Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.mu.Unlock()

	t.teardown()
	t.failAllPending(newError(t.name, KindConnectionClosed, false, fmt.Errorf("transport closed")))

	t.queueMu.Lock()
	t.queue = nil
	t.queueMu.Unlock()

	if t.hooks.OnClose != nil {
		t.hooks.OnClose()
	}
	return nil
}

func (t *Transport) teardown() {
	t.mu.Lock()
	cancel := t.connCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Transport) failAllPending(err error) {
	t.pendingMu.Lock()
	entries := t.pending
	t.pending = make(map[string]*pendingEntry)
	t.pendingMu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.resultCh <- pendingResult{err: err}
	}
}

// IsConnected reports the transport's current connection state.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SessionID returns the current SSE session id, or "" if not connected.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ""
	}
	return t.sessionID
}

// NewRequestID mints a fresh, collision-resistant JSON-RPC id for a proxied
// request minted by a virtual server, rather than reusing the client's own
// id (which may collide across sessions).
func NewRequestID() string {
	return uuid.NewString()
}
