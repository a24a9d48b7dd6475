package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdobrica/Kioku/common/llm"
)

// memAgentRounds bounds the tool loop for one storage verb.
const memAgentRounds = 8

// AgentStore delegates memory curation to an LLM that edits Markdown files
// under the user's memory directory through a restricted file tool surface.
// Every verb is rendered as a natural-language instruction; any failure on
// the agent path falls back to the JSON store for that single call, so the
// backend degrades rather than breaks.
type AgentStore struct {
	dataDir  string
	provider llm.Provider
	model    string
	fallback *JSONStore
}

// NewAgent builds the mem-agent store with its JSON fallback.
func NewAgent(dataDir string, provider llm.Provider, model string, fallback *JSONStore) *AgentStore {
	return &AgentStore{dataDir: dataDir, provider: provider, model: model, fallback: fallback}
}

const memAgentSystem = `You are a meticulous memory curator. You manage a
directory of Markdown files, one file per category, each holding a bulleted
list of memories. Use the file tools to read and update them. Keep entries
short and deduplicated. When asked to report memories, answer with a fenced
` + "```json" + ` block containing an array of objects with fields:
id, content, category, tags, created_at. Never touch files outside the
directory you are given.`

func (s *AgentStore) Store(ctx context.Context, userID int64, content, category string, tags []string, metadata map[string]any) (Record, error) {
	if err := requireUser(userID); err != nil {
		return Record{}, err
	}
	// Records always land in the JSON store first: IDs and timestamps stay
	// authoritative there, and the fallback contract needs the data even
	// when the agent path dies mid-call.
	rec, err := s.fallback.Store(ctx, userID, content, category, tags, metadata)
	if err != nil {
		return Record{}, err
	}

	prompt := fmt.Sprintf(
		"Store this memory (id %s) in the appropriate category file.\nCategory: %s\nTags: %s\nContent:\n%s",
		rec.ID, rec.Category, strings.Join(tags, ", "), content)
	if _, err := s.run(ctx, userID, prompt); err != nil {
		slog.Warn("mem-agent store failed; json copy kept", "user_id", userID, "err", err)
	}
	return rec, nil
}

func (s *AgentStore) Retrieve(ctx context.Context, userID int64, q Query) ([]Record, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Report up to %d stored memories", limit)
	if q.Category != "" {
		fmt.Fprintf(&sb, " from category %q", q.Category)
	}
	if len(q.Tags) > 0 {
		fmt.Fprintf(&sb, " tagged %s", strings.Join(q.Tags, ", "))
	}
	if q.Text != "" {
		fmt.Fprintf(&sb, " relevant to: %s", q.Text)
	} else {
		sb.WriteString(", most recent first")
	}
	sb.WriteString(". Answer with the json block only.")

	raw, err := s.run(ctx, userID, sb.String())
	if err != nil {
		slog.Warn("mem-agent retrieve failed; falling back to json", "user_id", userID, "err", err)
		return s.fallback.Retrieve(ctx, userID, q)
	}

	records, err := parseAgentRecords(raw, userID)
	if err != nil {
		slog.Warn("mem-agent returned no parseable records; falling back to json",
			"user_id", userID, "err", err)
		return s.fallback.Retrieve(ctx, userID, q)
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *AgentStore) ListCategories(ctx context.Context, userID int64) ([]CategoryCount, error) {
	return s.fallback.ListCategories(ctx, userID)
}

func (s *AgentStore) Delete(ctx context.Context, userID int64, id string) error {
	if err := s.fallback.Delete(ctx, userID, id); err != nil {
		return err
	}
	prompt := fmt.Sprintf("Remove the memory with id %s from your files.", id)
	if _, err := s.run(ctx, userID, prompt); err != nil {
		slog.Warn("mem-agent delete failed; json state is authoritative",
			"user_id", userID, "err", err)
	}
	return nil
}

func (s *AgentStore) Clear(ctx context.Context, userID int64, category string) error {
	if err := s.fallback.Clear(ctx, userID, category); err != nil {
		return err
	}
	prompt := "Delete the contents of every category file."
	if category != "" {
		prompt = fmt.Sprintf("Delete the category file for %q.", category)
	}
	if _, err := s.run(ctx, userID, prompt); err != nil {
		slog.Warn("mem-agent clear failed; json state is authoritative",
			"user_id", userID, "err", err)
	}
	return nil
}

func (s *AgentStore) Close() error { return nil }

// run drives the completion-and-tools loop for one verb inside the user's
// memory directory.
func (s *AgentStore) run(ctx context.Context, userID int64, prompt string) (string, error) {
	if s.provider == nil {
		return "", errors.New("mem-agent: no LLM provider configured")
	}

	root := userDir(s.dataDir, userID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("mem-agent: create memory dir: %w", err)
	}
	tools := newMemTools(root)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: memAgentSystem},
		{Role: llm.RoleUser, Content: prompt},
	}

	for round := 0; round < memAgentRounds; round++ {
		resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
			Model:       s.model,
			Messages:    messages,
			Tools:       tools.definitions(),
			Temperature: 0.1,
		})
		if err != nil {
			return "", fmt.Errorf("mem-agent: completion: %w", err)
		}
		messages = append(messages, resp.Message)

		if resp.FinishReason != "tool_calls" || len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			output, err := tools.execute(tc.Function.Name, args)
			if err != nil {
				output = "error: " + err.Error()
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
		}
	}
	return "", errors.New("mem-agent: tool loop exceeded round limit")
}

// parseAgentRecords extracts the fenced json block from the agent's answer.
func parseAgentRecords(raw string, userID int64) ([]Record, error) {
	body := raw
	if start := strings.Index(raw, "```json"); start >= 0 {
		rest := raw[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			body = rest[:end]
		}
	}

	var records []Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &records); err != nil {
		return nil, fmt.Errorf("parse agent records: %w", err)
	}
	for i := range records {
		records[i].UserID = userID
	}
	return records, nil
}

// memTools is the restricted file surface the curator sees: read, write and
// list, all rooted at the user's memory directory.
type memTools struct {
	root string
}

func newMemTools(root string) *memTools {
	return &memTools{root: root}
}

func (t *memTools) definitions() []llm.ToolDefinition {
	pathParam := map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []string{"path"},
	}
	return []llm.ToolDefinition{
		{Type: "function", Function: llm.FunctionDef{
			Name:        "read_file",
			Description: "Read one Markdown file from the memory directory.",
			Parameters:  pathParam,
		}},
		{Type: "function", Function: llm.FunctionDef{
			Name:        "write_file",
			Description: "Write (create or replace) one Markdown file in the memory directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		}},
		{Type: "function", Function: llm.FunctionDef{
			Name:        "list_files",
			Description: "List the files in the memory directory.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		}},
	}
}

func (t *memTools) execute(name string, args map[string]any) (string, error) {
	switch name {
	case "read_file":
		path, err := t.resolve(args)
		if err != nil {
			return "", err
		}
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return "(file does not exist)", nil
		}
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case "write_file":
		path, err := t.resolve(args)
		if err != nil {
			return "", err
		}
		content, _ := args["content"].(string)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
		return "written", nil
	case "list_files":
		entries, err := os.ReadDir(t.root)
		if err != nil {
			return "", err
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		if len(names) == 0 {
			return "(empty)", nil
		}
		return strings.Join(names, "\n"), nil
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

// resolve confines a relative path to the memory root.
func (t *memTools) resolve(args map[string]any) (string, error) {
	raw, _ := args["path"].(string)
	if raw == "" {
		return "", errors.New("path is required")
	}
	full := filepath.Join(t.root, filepath.Clean("/"+raw))
	if !strings.HasPrefix(full, t.root+string(filepath.Separator)) && full != t.root {
		return "", fmt.Errorf("path escapes memory directory: %s", raw)
	}
	return full, nil
}

var _ Storage = (*AgentStore)(nil)
