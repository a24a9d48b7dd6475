package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kioku/common/mcpwire"
	"github.com/bdobrica/Kioku/internal/shoko/index"
	"github.com/bdobrica/Kioku/internal/shoko/jobs"
	"github.com/bdobrica/Kioku/internal/shoko/memory"
	"github.com/bdobrica/Kioku/internal/shoko/registry"
)

// toolDef couples a tool's wire description, its compiled argument schema
// and its handler.
type toolDef struct {
	tool   mcpwire.Tool
	schema *jsonschema.Schema
	handle func(ctx context.Context, args map[string]any) *mcpwire.CallToolResult
}

// mustSchema compiles an argument schema at construction time. The sources
// are compile-time constants, so a failure is a programming error.
func mustSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

func newTool(name, description, schemaSrc string, handle func(ctx context.Context, args map[string]any) *mcpwire.CallToolResult) *toolDef {
	return &toolDef{
		tool: mcpwire.Tool{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schemaSrc),
		},
		schema: mustSchema(name+".json", schemaSrc),
		handle: handle,
	}
}

const schemaStoreMemory = `{
	"type": "object",
	"properties": {
		"content":  {"type": "string", "minLength": 1},
		"user_id":  {"type": "integer"},
		"category": {"type": "string"},
		"tags":     {"type": "array", "items": {"type": "string"}},
		"metadata": {"type": "object"}
	},
	"required": ["content", "user_id"]
}`

const schemaRetrieveMemory = `{
	"type": "object",
	"properties": {
		"user_id":  {"type": "integer"},
		"query":    {"type": "string"},
		"category": {"type": "string"},
		"tags":     {"type": "array", "items": {"type": "string"}},
		"limit":    {"type": "integer", "minimum": 1}
	},
	"required": ["user_id"]
}`

const schemaListCategories = `{
	"type": "object",
	"properties": {
		"user_id": {"type": "integer"}
	},
	"required": ["user_id"]
}`

const schemaVectorSearch = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"kb_id": {"type": "string", "minLength": 1},
		"top_k": {"type": "integer", "minimum": 1}
	},
	"required": ["query", "kb_id"]
}`

const schemaReindexVector = `{
	"type": "object",
	"properties": {
		"kb_id":     {"type": "string", "minLength": 1},
		"force":     {"type": "boolean"},
		"documents": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["kb_id"]
}`

const schemaReindexStatus = `{
	"type": "object",
	"properties": {
		"kb_id": {"type": "string", "minLength": 1}
	},
	"required": ["kb_id"]
}`

const schemaNoArgs = `{
	"type": "object",
	"properties": {}
}`

const schemaServerName = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1}
	},
	"required": ["name"]
}`

const schemaRegisterServer = `{
	"type": "object",
	"properties": {
		"name":        {"type": "string", "minLength": 1},
		"url":         {"type": "string"},
		"command":     {"type": "string"},
		"args":        {"type": "array", "items": {"type": "string"}},
		"cwd":         {"type": "string"},
		"env":         {"type": "object", "additionalProperties": {"type": "string"}},
		"timeout_ms":  {"type": "integer", "minimum": 0},
		"trust":       {"type": "boolean"},
		"description": {"type": "string"}
	},
	"required": ["name"],
	"anyOf": [
		{"required": ["url"]},
		{"required": ["command"]}
	]
}`

// buildTools assembles the hub's built-in tool surface. Names are the
// client-facing contract and must stay stable.
func (h *Hub) buildTools() []*toolDef {
	return []*toolDef{
		newTool("store_memory",
			"Store a memory for a user. Returns the new record id.",
			schemaStoreMemory, h.toolStoreMemory),
		newTool("retrieve_memory",
			"Retrieve a user's memories matching an optional query, category and tags.",
			schemaRetrieveMemory, h.toolRetrieveMemory),
		newTool("list_categories",
			"List a user's memory categories with counts.",
			schemaListCategories, h.toolListCategories),
		newTool("vector_search",
			"Semantic search over an indexed knowledge base.",
			schemaVectorSearch, h.toolVectorSearch),
		newTool("reindex_vector",
			"Rebuild a knowledge base's vector index. Returns immediately; work runs in the background.",
			schemaReindexVector, h.toolReindexVector),
		newTool("get_reindex_status",
			"Get the state of a knowledge base's most recent reindex job.",
			schemaReindexStatus, h.toolReindexStatus),
		newTool("list_mcp_servers",
			"List all registered external MCP servers.",
			schemaNoArgs, h.toolListServers),
		newTool("get_mcp_server",
			"Get one registered MCP server by name.",
			schemaServerName, h.toolGetServer),
		newTool("register_mcp_server",
			"Register or update an external MCP server (url for SSE, command for stdio).",
			schemaRegisterServer, h.toolRegisterServer),
		newTool("enable_mcp_server",
			"Enable a registered MCP server.",
			schemaServerName, h.toolEnableServer),
		newTool("disable_mcp_server",
			"Disable a registered MCP server without removing it.",
			schemaServerName, h.toolDisableServer),
	}
}

// --- memory tools ---

func (h *Hub) toolStoreMemory(ctx context.Context, args map[string]any) *mcpwire.CallToolResult {
	rec, err := h.memory.Store(ctx,
		argInt64(args, "user_id"),
		argString(args, "content"),
		argString(args, "category"),
		argStrings(args, "tags"),
		argMap(args, "metadata"),
	)
	if err != nil {
		return mcpwire.ErrorResult("store_memory: " + err.Error())
	}
	return jsonResult(map[string]string{"id": rec.ID})
}

func (h *Hub) toolRetrieveMemory(ctx context.Context, args map[string]any) *mcpwire.CallToolResult {
	records, err := h.memory.Retrieve(ctx, argInt64(args, "user_id"), memory.Query{
		Text:     argString(args, "query"),
		Category: argString(args, "category"),
		Tags:     argStrings(args, "tags"),
		Limit:    argInt(args, "limit"),
	})
	if err != nil {
		return mcpwire.ErrorResult("retrieve_memory: " + err.Error())
	}
	if records == nil {
		records = []memory.Record{}
	}
	return jsonResult(records)
}

func (h *Hub) toolListCategories(ctx context.Context, args map[string]any) *mcpwire.CallToolResult {
	cats, err := h.memory.ListCategories(ctx, argInt64(args, "user_id"))
	if err != nil {
		return mcpwire.ErrorResult("list_categories: " + err.Error())
	}
	if cats == nil {
		cats = []memory.CategoryCount{}
	}
	return jsonResult(cats)
}

// --- index tools ---

func (h *Hub) toolVectorSearch(ctx context.Context, args map[string]any) *mcpwire.CallToolResult {
	topK := argInt(args, "top_k")
	if topK <= 0 {
		topK = 5
	}
	hits, err := h.engine.Search(ctx, argString(args, "kb_id"), argString(args, "query"), topK)
	if err != nil {
		return mcpwire.ErrorResult("vector_search: " + err.Error())
	}
	if hits == nil {
		hits = []index.SearchHit{}
	}
	return jsonResult(hits)
}

func (h *Hub) toolReindexVector(_ context.Context, args map[string]any) *mcpwire.CallToolResult {
	kbID := argString(args, "kb_id")
	job, err := h.engine.StartReindex(kbID, argBool(args, "force"), argStrings(args, "documents"))
	if errors.Is(err, jobs.ErrAlreadyRunning) {
		return mcpwire.ErrorResult(fmt.Sprintf("AlreadyRunning: reindex for %s is %s", kbID, job.Status))
	}
	if err != nil {
		return mcpwire.ErrorResult("reindex_vector: " + err.Error())
	}
	return jsonResult(map[string]string{"status": "started"})
}

func (h *Hub) toolReindexStatus(_ context.Context, args map[string]any) *mcpwire.CallToolResult {
	job, err := h.jobs.Get(argString(args, "kb_id"))
	if err != nil {
		return mcpwire.ErrorResult("get_reindex_status: " + err.Error())
	}
	return jsonResult(job)
}

// --- registry tools ---

func (h *Hub) toolListServers(_ context.Context, _ map[string]any) *mcpwire.CallToolResult {
	servers, err := h.servers.List()
	if err != nil {
		return mcpwire.ErrorResult("list_mcp_servers: " + err.Error())
	}
	if servers == nil {
		servers = []registry.Server{}
	}
	return jsonResult(servers)
}

func (h *Hub) toolGetServer(_ context.Context, args map[string]any) *mcpwire.CallToolResult {
	srv, err := h.servers.Get(argString(args, "name"))
	if err != nil {
		return mcpwire.ErrorResult("get_mcp_server: " + err.Error())
	}
	return jsonResult(srv)
}

func (h *Hub) toolRegisterServer(_ context.Context, args map[string]any) *mcpwire.CallToolResult {
	srv, err := h.servers.Register(argString(args, "name"), mcpwire.ServerConfig{
		URL:         argString(args, "url"),
		Command:     argString(args, "command"),
		Args:        argStrings(args, "args"),
		Cwd:         argString(args, "cwd"),
		Env:         argStringMap(args, "env"),
		Timeout:     argInt(args, "timeout_ms"),
		Trust:       argBool(args, "trust"),
		Description: argString(args, "description"),
	})
	if err != nil {
		return mcpwire.ErrorResult("register_mcp_server: " + err.Error())
	}
	return jsonResult(srv)
}

func (h *Hub) toolEnableServer(_ context.Context, args map[string]any) *mcpwire.CallToolResult {
	name := argString(args, "name")
	if err := h.servers.Enable(name); err != nil {
		return mcpwire.ErrorResult("enable_mcp_server: " + err.Error())
	}
	return jsonResult(map[string]any{"name": name, "enabled": true})
}

func (h *Hub) toolDisableServer(_ context.Context, args map[string]any) *mcpwire.CallToolResult {
	name := argString(args, "name")
	if err := h.servers.Disable(name); err != nil {
		return mcpwire.ErrorResult("disable_mcp_server: " + err.Error())
	}
	return jsonResult(map[string]any{"name": name, "enabled": false})
}

// jsonResult wraps v as a tool result; a marshal failure on our own types
// is unexpected and surfaced as a tool error.
func jsonResult(v any) *mcpwire.CallToolResult {
	result, err := mcpwire.JSONResult(v)
	if err != nil {
		return mcpwire.ErrorResult("encode result: " + err.Error())
	}
	return result
}

// --- argument coercion ---
//
// Arguments arrive as a decoded JSON object and have already passed schema
// validation; these helpers only normalize Go types.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argInt(args map[string]any, key string) int {
	return int(argInt64(args, key))
}

func argInt64(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argMap(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

func argStringMap(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
