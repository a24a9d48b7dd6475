package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/Kioku/common/llm"
	"github.com/bdobrica/Kioku/common/mcpwire"
)

// maxToolRounds bounds the completion loop; a run that keeps requesting
// tool calls past this many rounds is aborted.
const maxToolRounds = 10

// hubToolPrefix namespaces MCP hub tools in the model-facing tool list so
// they cannot collide with the local file tools.
const hubToolPrefix = "hub__"

// Progress stream markers. Tool invocations and tool failures are emitted
// as single lines with these prefixes so callers can split normal output
// from problems.
const (
	ToolTracePrefix = "[tool] "
	ToolErrorPrefix = "[tool error] "
)

// ToolCaller is the subset of the MCP hub client the agent uses to surface
// hub tools to the model. It is satisfied by *mcp.Client and replaced with a
// recording stub in tests.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]mcpwire.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpwire.CallToolResult, error)
}

// Config configures an LLMAgent.
type Config struct {
	// Provider is the LLM backend. Required.
	Provider llm.Provider

	// Hub exposes MCP hub tools to the model. Optional; when nil the model
	// sees only the file tools.
	Hub ToolCaller

	// Model overrides the provider's default model when non-empty.
	Model string

	// MaxTokens caps each completion. 0 = provider default.
	MaxTokens int
}

// LLMAgent drives the completion-and-tools loop against an LLM provider.
type LLMAgent struct {
	provider  llm.Provider
	hub       ToolCaller
	model     string
	maxTokens int
}

var _ Agent = (*LLMAgent)(nil)

// NewLLMAgent builds an agent from cfg.
func NewLLMAgent(cfg Config) *LLMAgent {
	return &LLMAgent{
		provider:  cfg.Provider,
		hub:       cfg.Hub,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Process runs the loop: system prompt → completion → tool calls → repeat,
// until the model returns a plain response or the round limit trips. The
// final response is parsed into a Result, with the files the run actually
// touched merged in.
func (a *LLMAgent) Process(ctx context.Context, req Request) (*Result, error) {
	if a.provider == nil {
		return nil, fmt.Errorf("agent: no LLM provider configured")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeNote
	}
	if req.WorkingDir == "" && mode != ModeAsk {
		return nil, fmt.Errorf("agent: %s mode requires a working directory", mode)
	}

	tools := newFileTools(req.WorkingDir, mode == ModeAsk)
	defs := tools.definitions()
	defs = append(defs, a.gatherHubTools(ctx)...)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(mode)},
		{Role: llm.RoleUser, Content: buildUserPrompt(req)},
	}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
			Model:     a.model,
			Messages:  messages,
			Tools:     defs,
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: completion failed: %w", err)
		}

		if resp.Message.Content != "" {
			emit(req, resp.Message.Content)
		}
		messages = append(messages, resp.Message)

		if resp.FinishReason != "tool_calls" || len(resp.Message.ToolCalls) == 0 {
			res := ParseResult(resp.Message.Content)
			created, edited, folders := tools.observed()
			res.FilesCreated = mergePaths(res.FilesCreated, created)
			res.FilesEdited = mergePaths(res.FilesEdited, edited)
			res.FoldersCreated = mergePaths(res.FoldersCreated, folders)
			return res, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			emit(req, ToolTracePrefix+tc.Function.Name)
			out, err := a.executeTool(ctx, tools, tc)
			toolMsg := llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			}
			if err != nil {
				emit(req, ToolErrorPrefix+tc.Function.Name+": "+err.Error())
				toolMsg.Content = fmt.Sprintf("error: %s", err)
			} else {
				toolMsg.Content = out
			}
			messages = append(messages, toolMsg)
		}
	}

	return nil, fmt.Errorf("agent: exceeded maximum tool rounds (%d)", maxToolRounds)
}

// Close implements Agent. The HTTP-backed provider holds no per-agent state.
func (a *LLMAgent) Close() error { return nil }

// executeTool dispatches one tool call: hub-prefixed names go to the MCP hub
// client, everything else to the local file surface.
func (a *LLMAgent) executeTool(ctx context.Context, tools *fileTools, tc llm.ToolCall) (string, error) {
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	if hubName, ok := strings.CutPrefix(tc.Function.Name, hubToolPrefix); ok {
		if a.hub == nil {
			return "", fmt.Errorf("hub tool %q requested but no hub is connected", hubName)
		}
		result, err := a.hub.CallTool(ctx, hubName, args)
		if err != nil {
			return "", fmt.Errorf("hub tool %s: %w", hubName, err)
		}
		if result.IsError {
			return "", fmt.Errorf("hub tool %s returned error: %s", hubName, result.Text())
		}
		return result.Text(), nil
	}

	if !tools.has(tc.Function.Name) {
		return "", fmt.Errorf("unknown tool %q", tc.Function.Name)
	}
	return tools.execute(tc.Function.Name, args)
}

// gatherHubTools lists the hub's tools and rewrites their names under the
// hub prefix. A hub failure degrades to file tools only.
func (a *LLMAgent) gatherHubTools(ctx context.Context) []llm.ToolDefinition {
	if a.hub == nil {
		return nil
	}
	hubTools, err := a.hub.ListTools(ctx)
	if err != nil {
		slog.Warn("agent: could not list hub tools", "err", err)
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(hubTools))
	for _, t := range hubTools {
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        hubToolPrefix + t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return defs
}

// emit delivers a progress chunk when the request asked for streaming.
func emit(req Request, chunk string) {
	if req.Progress != nil {
		req.Progress(chunk)
	}
}
