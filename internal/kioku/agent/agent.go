// Package agent runs the LLM-backed knowledge base agent.
//
// The agent receives a processing request (aggregated chat messages or a
// question), drives a completion loop against the configured LLM provider,
// and lets the model act through a restricted tool surface: local file tools
// rooted at the request's working directory plus any tools exposed by the
// MCP hub. The final model output carries a fenced result block that is
// parsed into a structured Result.
package agent

import "context"

// Mode selects the agent's behaviour for one processing run.
type Mode string

const (
	// ModeNote captures the input as Markdown notes under the KB topics tree.
	ModeNote Mode = "note"
	// ModeAsk answers a question from the KB without modifying any files.
	ModeAsk Mode = "ask"
	// ModeAgent executes a free-form task with the full tool surface.
	ModeAgent Mode = "agent"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNote, ModeAsk, ModeAgent:
		return true
	}
	return false
}

// Request describes one processing run.
type Request struct {
	// Text is the prompt payload: concatenated group messages with
	// attribution lines, or a bare question in ask mode.
	Text string

	// URLs extracted from the source messages, listed to the model as
	// reference links.
	URLs []string

	// Mode selects the system prompt and the tool surface. Empty defaults
	// to ModeNote.
	Mode Mode

	// WorkingDir roots the file tools. Required for note and agent modes;
	// ask mode runs read-only against it when set.
	WorkingDir string

	// UserID identifies the requesting user. Hub tools that persist memory
	// receive it so per-user isolation holds end to end.
	UserID int64

	// Progress, when non-nil, receives output chunks as the run proceeds:
	// assistant text after each round and one line per tool invocation.
	Progress func(chunk string)
}

// KBStructure locates a note inside the topics tree.
type KBStructure struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
}

// Result is the structured outcome of a processing run. The JSON tags match
// the fenced agent-result block emitted by the model.
type Result struct {
	// Markdown is the complete final response text, fences included.
	Markdown string `json:"-"`

	Title          string         `json:"title,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	FilesCreated   []string       `json:"files_created,omitempty"`
	FilesEdited    []string       `json:"files_edited,omitempty"`
	FoldersCreated []string       `json:"folders_created,omitempty"`
	KBStructure    KBStructure    `json:"kb_structure,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Answer         string         `json:"answer,omitempty"`
}

// Agent is the contract the note, ask, and task services drive.
type Agent interface {
	// Process runs the agent once and returns the parsed result.
	Process(ctx context.Context, req Request) (*Result, error)

	// Close releases any resources held by the agent. Called when the user
	// context cache invalidates the entry.
	Close() error
}
