package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/common/llm"
	"github.com/bdobrica/Kioku/common/mcpwire"
)

// scriptedProvider returns canned responses in order and records every
// request for later inspection.
type scriptedProvider struct {
	responses []llm.CompletionResponse
	requests  []llm.CompletionRequest
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.requests = append(p.requests, req)
	if len(p.requests) > len(p.responses) {
		return nil, fmt.Errorf("no scripted response for call %d", len(p.requests))
	}
	resp := p.responses[len(p.requests)-1]
	return &resp, nil
}

// providerFunc adapts a function to llm.Provider.
type providerFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

func (f providerFunc) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return f(ctx, req)
}

// fakeHub records tool calls and serves a fixed tool list.
type fakeHub struct {
	tools  []mcpwire.Tool
	calls  []string
	args   []map[string]any
	result *mcpwire.CallToolResult
}

func (h *fakeHub) ListTools(context.Context) ([]mcpwire.Tool, error) {
	return h.tools, nil
}

func (h *fakeHub) CallTool(_ context.Context, name string, args map[string]any) (*mcpwire.CallToolResult, error) {
	h.calls = append(h.calls, name)
	h.args = append(h.args, args)
	if h.result != nil {
		return h.result, nil
	}
	return mcpwire.TextResult("ok"), nil
}

func toolCallResponse(calls ...llm.ToolCall) llm.CompletionResponse {
	return llm.CompletionResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}

func finalResponse(content string) llm.CompletionResponse {
	return llm.CompletionResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		FinishReason: "stop",
	}
}

func TestProcessToolLoop(t *testing.T) {
	dir := t.TempDir()
	final := "Saved.\n\n```agent-result\n" +
		`{"title": "RAG", "summary": "Saved a note.", "files_created": ["ai/rag.md"], "kb_structure": {"category": "ai"}}` +
		"\n```\n"

	prov := &scriptedProvider{responses: []llm.CompletionResponse{
		toolCallResponse(llm.ToolCall{
			ID:   "call_1",
			Type: "function",
			Function: llm.FunctionCall{
				Name:      toolWriteFile,
				Arguments: `{"path": "ai/rag.md", "content": "# RAG\n"}`,
			},
		}),
		finalResponse(final),
	}}

	agent := NewLLMAgent(Config{Provider: prov})
	res, err := agent.Process(context.Background(), Request{
		Text:       "RAG is a technique...",
		Mode:       ModeNote,
		WorkingDir: dir,
		UserID:     42,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "ai", "rag.md")); err != nil {
		t.Errorf("tool call did not write the file: %v", err)
	}
	if res.Title != "RAG" {
		t.Errorf("Title = %q", res.Title)
	}
	if len(res.FilesCreated) != 1 || res.FilesCreated[0] != "ai/rag.md" {
		t.Errorf("FilesCreated = %v, want exactly [ai/rag.md]", res.FilesCreated)
	}

	if len(prov.requests) != 2 {
		t.Fatalf("provider called %d times, want 2", len(prov.requests))
	}
	second := prov.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" || last.Name != toolWriteFile {
		t.Errorf("tool result message = %+v", last)
	}
	if !strings.Contains(last.Content, "Created ai/rag.md") {
		t.Errorf("tool result content = %q", last.Content)
	}
}

func TestProcessRoundLimit(t *testing.T) {
	always := providerFunc(func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		resp := toolCallResponse(llm.ToolCall{
			ID:       "loop",
			Type:     "function",
			Function: llm.FunctionCall{Name: toolListDir, Arguments: `{}`},
		})
		return &resp, nil
	})

	agent := NewLLMAgent(Config{Provider: always})
	_, err := agent.Process(context.Background(), Request{
		Text:       "loop forever",
		Mode:       ModeNote,
		WorkingDir: t.TempDir(),
	})
	if err == nil || !strings.Contains(err.Error(), "tool rounds") {
		t.Fatalf("err = %v, want round limit error", err)
	}
}

func TestProcessHubTools(t *testing.T) {
	hub := &fakeHub{
		tools: []mcpwire.Tool{{Name: "vector_search", Description: "Search the KB index."}},
	}
	prov := &scriptedProvider{responses: []llm.CompletionResponse{
		toolCallResponse(llm.ToolCall{
			ID:   "call_1",
			Type: "function",
			Function: llm.FunctionCall{
				Name:      "hub__vector_search",
				Arguments: `{"query": "embeddings", "kb_id": "user_42_main"}`,
			},
		}),
		finalResponse("Found it.\n\n```agent-result\n{\"answer\": \"Embeddings are vectors.\"}\n```\n"),
	}}

	agent := NewLLMAgent(Config{Provider: prov, Hub: hub})
	res, err := agent.Process(context.Background(), Request{
		Text:       "what are embeddings?",
		Mode:       ModeAsk,
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Answer != "Embeddings are vectors." {
		t.Errorf("Answer = %q", res.Answer)
	}

	var sawHubTool bool
	for _, def := range prov.requests[0].Tools {
		if def.Function.Name == "hub__vector_search" {
			sawHubTool = true
		}
	}
	if !sawHubTool {
		t.Error("hub tool not surfaced with the hub__ prefix")
	}

	if len(hub.calls) != 1 || hub.calls[0] != "vector_search" {
		t.Fatalf("hub calls = %v, want [vector_search]", hub.calls)
	}
	if hub.args[0]["query"] != "embeddings" {
		t.Errorf("hub args = %v", hub.args[0])
	}
}

func TestProcessHubToolError(t *testing.T) {
	hub := &fakeHub{result: mcpwire.ErrorResult("AlreadyRunning")}
	prov := &scriptedProvider{responses: []llm.CompletionResponse{
		toolCallResponse(llm.ToolCall{
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionCall{Name: "hub__reindex_vector", Arguments: `{"kb_id": "kb"}`},
		}),
		finalResponse("The index is already rebuilding, nothing to do."),
	}}

	agent := NewLLMAgent(Config{Provider: prov, Hub: hub})
	if _, err := agent.Process(context.Background(), Request{
		Text:       "reindex",
		Mode:       ModeAgent,
		WorkingDir: t.TempDir(),
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	second := prov.requests[1].Messages
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "error:") || !strings.Contains(last.Content, "AlreadyRunning") {
		t.Errorf("tool error message = %q", last.Content)
	}
}

func TestProcessAskModeIsReadOnly(t *testing.T) {
	prov := &scriptedProvider{responses: []llm.CompletionResponse{
		finalResponse("Short answer."),
	}}

	agent := NewLLMAgent(Config{Provider: prov})
	res, err := agent.Process(context.Background(), Request{
		Text:       "question?",
		Mode:       ModeAsk,
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Answer != "Short answer." {
		t.Errorf("Answer = %q", res.Answer)
	}

	for _, def := range prov.requests[0].Tools {
		if def.Function.Name == toolWriteFile || def.Function.Name == toolCreateDir {
			t.Errorf("ask mode exposes write tool %s", def.Function.Name)
		}
	}
}

func TestProcessRequiresWorkingDir(t *testing.T) {
	agent := NewLLMAgent(Config{Provider: &scriptedProvider{}})
	if _, err := agent.Process(context.Background(), Request{Text: "x", Mode: ModeNote}); err == nil {
		t.Error("note mode without working directory should fail")
	}
}

func TestProcessStreamsProgress(t *testing.T) {
	dir := t.TempDir()
	prov := &scriptedProvider{responses: []llm.CompletionResponse{
		toolCallResponse(llm.ToolCall{
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionCall{Name: toolListDir, Arguments: `{}`},
		}),
		finalResponse("All done."),
	}}

	var chunks []string
	agent := NewLLMAgent(Config{Provider: prov})
	if _, err := agent.Process(context.Background(), Request{
		Text:       "task",
		Mode:       ModeAgent,
		WorkingDir: dir,
		Progress:   func(chunk string) { chunks = append(chunks, chunk) },
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	joined := strings.Join(chunks, "\n")
	if !strings.Contains(joined, "[tool] "+toolListDir) {
		t.Errorf("progress missing tool trace: %q", joined)
	}
	if !strings.Contains(joined, "All done.") {
		t.Errorf("progress missing final content: %q", joined)
	}
}

func TestProcessUnknownTool(t *testing.T) {
	prov := &scriptedProvider{responses: []llm.CompletionResponse{
		toolCallResponse(llm.ToolCall{
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionCall{Name: "bogus_tool", Arguments: `{}`},
		}),
		finalResponse("Recovered."),
	}}

	agent := NewLLMAgent(Config{Provider: prov})
	if _, err := agent.Process(context.Background(), Request{
		Text:       "x",
		Mode:       ModeNote,
		WorkingDir: t.TempDir(),
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	second := prov.requests[1].Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "unknown tool") {
		t.Errorf("tool message = %q, want unknown tool error", last.Content)
	}
}

func TestBuildUserPromptIncludesURLs(t *testing.T) {
	got := buildUserPrompt(Request{
		Text: "interesting article",
		URLs: []string{"https://example.com/a", "https://example.com/b"},
	})
	if !strings.Contains(got, "Links:") ||
		!strings.Contains(got, "- https://example.com/a") ||
		!strings.Contains(got, "- https://example.com/b") {
		t.Errorf("prompt = %q", got)
	}

	if got := buildUserPrompt(Request{Text: "plain"}); got != "plain" {
		t.Errorf("prompt without URLs = %q", got)
	}
}
