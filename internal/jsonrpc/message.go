// Package jsonrpc implements the JSON-RPC 2.0 envelope and the MCP-shaped
// capability records Nexus exchanges with upstreams and serves to vMCP
// clients. Types here are deliberately explicit rather than delegated to a
// client library, because the transport layer needs full control over id
// correlation and framing (see internal/transport).
package jsonrpc

import (
	"encoding/json"
	"strconv"
)

// Version is the JSON-RPC protocol version Nexus speaks.
const Version = "2.0"

// Standard error codes (base spec §6/§7).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 request, response, or notification. The three
// shapes share a wire envelope and are distinguished by which fields are
// present.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// IsRequest reports whether m carries a method and an id, i.e. expects a
// response.
func (m *Message) IsRequest() bool {
	return m != nil && m.Method != "" && m.ID != nil
}

// IsNotification reports whether m carries a method but no id.
func (m *Message) IsNotification() bool {
	return m != nil && m.Method != "" && m.ID == nil
}

// IsResponse reports whether m carries a result or an error and no method.
func (m *Message) IsResponse() bool {
	return m != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request message, marshaling params.
func NewRequest(id any, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message (no id).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response for id.
func NewResult(id any, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error response for id.
func NewError(id any, code int, message string, data any) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// IDKey normalizes a JSON-RPC id (string, float64 from decoded JSON, or int)
// into a comparable string usable as a pending-request table key. JSON
// numbers decode to float64, so integer ids must be normalized consistently
// regardless of which Go type originally produced them.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		return "n:" + formatFloatID(v)
	case int:
		return "n:" + formatFloatID(float64(v))
	case int64:
		return "n:" + formatFloatID(float64(v))
	default:
		b, _ := json.Marshal(v)
		return "r:" + string(b)
	}
}

func formatFloatID(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	b, _ := json.Marshal(f)
	return string(b)
}
