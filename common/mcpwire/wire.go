// Package mcpwire holds the JSON-RPC 2.0 and Model Context Protocol wire
// types shared by the Kioku MCP client and the Shoko hub server.
//
// Framing is transport-specific (newline-delimited over stdio, SSE events
// plus HTTP POST over the network); the payloads below are identical on both.
package mcpwire

import "encoding/json"

// ProtocolVersion is the MCP revision spoken by both sides of this module.
const ProtocolVersion = "2024-11-05"

// MCP method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodPing        = "ping"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeClosed is reported to pending calls when the transport goes away.
	CodeClosed = -32000
)

// Request is a JSON-RPC 2.0 request or, when ID is nil, a notification.
// Params stays raw so the receiving side can decode per method.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

// NewRequest builds a request with pre-marshalled params. A marshal failure
// here means a programming error in the caller's params type.
func NewRequest(id int64, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification builds an ID-less request.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// NewResponse marshals result into a success response for id.
func NewResponse(id int64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id int64, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &ResponseError{Code: code, Message: message}}
}

// ResponseError is the error member of a JSON-RPC 2.0 response.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ResponseError) Error() string { return e.Message }

// --- MCP method payloads ---

// InitializeParams is sent by the client as the first call.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    ClientCaps `json:"capabilities"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientCaps describes client-side MCP capabilities.
type ClientCaps struct{}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's response to initialize.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    ServerCaps `json:"capabilities"`
}

// ServerInfo holds the MCP server's name and version.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCaps describes server-side MCP capabilities.
type ServerCaps struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// ListToolsResult is returned by tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// Tool describes a single callable MCP tool.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// CallToolParams is sent to invoke a tool.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult holds a tool's output.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is a single piece of content returned by a tool.
type ContentItem struct {
	Type string `json:"type"` // "text", "image", etc.
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"` // base64 for images
	MIME string `json:"mimeType,omitempty"`
}

// TextResult wraps a plain string as a successful tool result.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentItem{{Type: "text", Text: text}}}
}

// JSONResult marshals v and wraps it as a successful tool result.
func JSONResult(v any) (*CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return TextResult(string(raw)), nil
}

// ErrorResult wraps an error message as a tool-level failure (IsError=true).
// Tool-level failures are results, not protocol errors; clients receive them
// verbatim.
func ErrorResult(text string) *CallToolResult {
	r := TextResult(text)
	r.IsError = true
	return r
}

// Text concatenates the text content items of a result.
func (r *CallToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// --- server configuration ---

// ServerConfig describes how to reach one MCP server. Exactly one transport
// applies: a non-empty URL means SSE, otherwise Command is spawned and spoken
// to over stdio.
type ServerConfig struct {
	// SSE transport.
	URL string `json:"url,omitempty"`

	// Stdio transport.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Timeout is the default per-call timeout in milliseconds.
	Timeout     int    `json:"timeout,omitempty"`
	Trust       bool   `json:"trust,omitempty"`
	Description string `json:"description,omitempty"`
}

// Transport names.
const (
	TransportSSE   = "sse"
	TransportStdio = "stdio"
)

// Transport returns TransportSSE when URL is set, TransportStdio otherwise.
func (c ServerConfig) Transport() string {
	if c.URL != "" {
		return TransportSSE
	}
	return TransportStdio
}

// ClientConfig is the on-disk client configuration written by the hub and
// served from GET /config/client/{type}.
type ClientConfig struct {
	MCPServers      map[string]ServerConfig `json:"mcpServers"`
	AllowMCPServers []string                `json:"allowMCPServers,omitempty"`
}
