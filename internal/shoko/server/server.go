// Package server implements the Shoko MCP hub: the JSON-RPC 2.0 request
// core, the built-in tool surface, and the SSE and stdio transports that
// expose it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Kioku/common/mcpwire"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/shoko/index"
	"github.com/bdobrica/Kioku/internal/shoko/jobs"
	"github.com/bdobrica/Kioku/internal/shoko/memory"
	"github.com/bdobrica/Kioku/internal/shoko/registry"
)

// serverName identifies the hub in the initialize handshake.
const serverName = "shoko"

// Hub is the transport-independent MCP server: one instance serves stdio
// and any number of SSE sessions concurrently. All tool handlers are safe
// for concurrent use.
type Hub struct {
	memory  memory.Storage
	engine  *index.Engine
	jobs    *jobs.Registry
	servers *registry.Registry

	tools  []*toolDef
	byName map[string]*toolDef

	// sseURL is the advertised hub address baked into generated client
	// configs, e.g. "http://127.0.0.1:8765/sse".
	sseURL string
}

// NewHub wires the tool surface over the hub's backing services.
func NewHub(mem memory.Storage, engine *index.Engine, registry *jobs.Registry, servers *registry.Registry, sseURL string) *Hub {
	h := &Hub{
		memory:  mem,
		engine:  engine,
		jobs:    registry,
		servers: servers,
		sseURL:  sseURL,
	}
	h.tools = h.buildTools()
	h.byName = make(map[string]*toolDef, len(h.tools))
	for _, t := range h.tools {
		h.byName[t.tool.Name] = t
	}
	return h
}

// Handle processes one JSON-RPC request. Notifications return nil: there is
// nothing to send back.
func (h *Hub) Handle(ctx context.Context, req *mcpwire.Request) *mcpwire.Response {
	if req.IsNotification() {
		// notifications/initialized and friends need no reply.
		slog.Debug("notification received", "method", req.Method)
		return nil
	}
	id := *req.ID

	switch req.Method {
	case mcpwire.MethodInitialize:
		return h.handleInitialize(id)
	case mcpwire.MethodListTools:
		return h.handleListTools(id)
	case mcpwire.MethodCallTool:
		return h.handleCallTool(ctx, id, req.Params)
	case mcpwire.MethodPing:
		resp, _ := mcpwire.NewResponse(id, struct{}{})
		return resp
	default:
		return mcpwire.NewErrorResponse(id, mcpwire.CodeMethodNotFound,
			fmt.Sprintf("method %q not supported", req.Method))
	}
}

func (h *Hub) handleInitialize(id int64) *mcpwire.Response {
	resp, err := mcpwire.NewResponse(id, mcpwire.InitializeResult{
		ProtocolVersion: mcpwire.ProtocolVersion,
		ServerInfo:      mcpwire.ServerInfo{Name: serverName, Version: version.Version},
		Capabilities:    mcpwire.ServerCaps{Tools: &struct{}{}},
	})
	if err != nil {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInternalError, err.Error())
	}
	return resp
}

func (h *Hub) handleListTools(id int64) *mcpwire.Response {
	tools := make([]mcpwire.Tool, 0, len(h.tools))
	for _, t := range h.tools {
		tools = append(tools, t.tool)
	}
	resp, err := mcpwire.NewResponse(id, mcpwire.ListToolsResult{Tools: tools})
	if err != nil {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInternalError, err.Error())
	}
	return resp
}

func (h *Hub) handleCallTool(ctx context.Context, id int64, params json.RawMessage) *mcpwire.Response {
	var call mcpwire.CallToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInvalidParams,
			"malformed tools/call params: "+err.Error())
	}

	def, ok := h.byName[call.Name]
	if !ok {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInvalidParams,
			fmt.Sprintf("unknown tool %q", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := def.schema.Validate(toJSONValue(args)); err != nil {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInvalidParams,
			fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}

	result := def.handle(ctx, args)
	if result.IsError {
		slog.Warn("tool returned error", "tool", call.Name, "message", result.Text())
	}
	resp, err := mcpwire.NewResponse(id, result)
	if err != nil {
		return mcpwire.NewErrorResponse(id, mcpwire.CodeInternalError, err.Error())
	}
	return resp
}

// toJSONValue normalizes args through a marshal round trip so the schema
// validator only ever sees plain JSON values, regardless of how the caller
// built the map.
func toJSONValue(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}
