package jsonrpc

import "encoding/json"

// Tool, Prompt, and Resource are the three capability record shapes a
// upstream exposes (base spec §3). Source attribution is layered on by the
// catalog package, not carried on the wire type itself, since the same
// record is reused verbatim across sources.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// PromptArgument describes one named argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Template    string           `json:"template,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type Resource struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Valid reports whether the required fields of each record are present.
// Catalog registration rejects records that fail this check.
func (t Tool) Valid() bool      { return t.Name != "" }
func (p Prompt) Valid() bool    { return p.Name != "" }
func (r Resource) Valid() bool  { return r.URI != "" }

// ListToolsResult, ListPromptsResult, and ListResourcesResult are the single
// -property response payloads the base spec requires from upstream
// `tools/list`, `prompts/list`, and `resources/list` calls.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// CallToolParams are the params of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// GetPromptParams are the params of a prompts/get request.
type GetPromptParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// GetResourceParams are the params of a resources/get request.
type GetResourceParams struct {
	URI string `json:"uri"`
}
