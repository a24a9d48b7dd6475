package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bdobrica/Kioku/common/llm"
)

// File tool names as exposed to the model.
const (
	toolReadFile  = "read_file"
	toolWriteFile = "write_file"
	toolListDir   = "list_dir"
	toolCreateDir = "create_dir"
)

// maxReadBytes caps read_file output so a single large document cannot blow
// the model's context window.
const maxReadBytes = 64 * 1024

// fileTools is the restricted file surface handed to the model for one run.
// Every path argument is relative to root; anything that resolves outside it
// is rejected. The struct records which files and folders the run actually
// touched so the final Result reflects reality even when the model forgets
// to list them.
type fileTools struct {
	root     string
	readOnly bool

	mu      sync.Mutex
	created []string
	edited  []string
	folders []string
}

func newFileTools(root string, readOnly bool) *fileTools {
	return &fileTools{root: root, readOnly: readOnly}
}

// definitions returns the LLM tool definitions for this surface. Read-only
// runs expose only read_file and list_dir.
func (t *fileTools) definitions() []llm.ToolDefinition {
	defs := []llm.ToolDefinition{
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolReadFile,
				Description: "Read a file from the knowledge base. The path is relative to the working directory.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative path of the file to read, e.g. \"ai/embeddings.md\".",
						},
					},
					"required": []string{"path"},
				},
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolListDir,
				Description: "List the entries of a directory in the knowledge base. Directories are suffixed with \"/\".",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative directory path. Omit or use \".\" for the working directory itself.",
						},
					},
				},
			},
		},
	}
	if t.readOnly {
		return defs
	}
	return append(defs,
		llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolWriteFile,
				Description: "Create or overwrite a file in the knowledge base. Parent directories are created as needed.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative path of the file to write, e.g. \"ai/rag.md\".",
						},
						"content": map[string]any{
							"type":        "string",
							"description": "Full Markdown content of the file.",
						},
					},
					"required": []string{"path", "content"},
				},
			},
		},
		llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolCreateDir,
				Description: "Create a directory (and any missing parents) in the knowledge base.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative path of the directory to create.",
						},
					},
					"required": []string{"path"},
				},
			},
		},
	)
}

// has reports whether name is handled by this surface, independent of the
// read-only restriction; execute enforces that separately so the model gets
// a clear error instead of an unknown-tool one.
func (t *fileTools) has(name string) bool {
	switch name {
	case toolReadFile, toolWriteFile, toolListDir, toolCreateDir:
		return true
	}
	return false
}

// execute runs one file tool call with JSON-decoded arguments and returns a
// result string for the model.
func (t *fileTools) execute(name string, args map[string]any) (string, error) {
	switch name {
	case toolReadFile:
		return t.readFile(args)
	case toolListDir:
		return t.listDir(args)
	case toolWriteFile:
		if t.readOnly {
			return "", fmt.Errorf("%s is not available in read-only mode", name)
		}
		return t.writeFile(args)
	case toolCreateDir:
		if t.readOnly {
			return "", fmt.Errorf("%s is not available in read-only mode", name)
		}
		return t.createDir(args)
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

func (t *fileTools) readFile(args map[string]any) (string, error) {
	rel, ok := stringArg(args, "path")
	if !ok {
		return "", fmt.Errorf("%s: missing required argument 'path'", toolReadFile)
	}
	abs, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("%s: %w", toolReadFile, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (t *fileTools) listDir(args map[string]any) (string, error) {
	rel, ok := stringArg(args, "path")
	if !ok || rel == "" {
		rel = "."
	}
	abs, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("%s: %w", toolListDir, err)
	}
	if len(entries) == 0 {
		return "(empty)", nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (t *fileTools) writeFile(args map[string]any) (string, error) {
	rel, ok := stringArg(args, "path")
	if !ok {
		return "", fmt.Errorf("%s: missing required argument 'path'", toolWriteFile)
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return "", fmt.Errorf("%s: missing required argument 'content'", toolWriteFile)
	}
	abs, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	_, statErr := os.Stat(abs)
	existed := statErr == nil

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("%s: %w", toolWriteFile, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("%s: %w", toolWriteFile, err)
	}

	t.mu.Lock()
	if existed {
		t.edited = appendUnique(t.edited, slashPath(rel))
	} else {
		t.created = appendUnique(t.created, slashPath(rel))
	}
	t.mu.Unlock()

	if existed {
		return fmt.Sprintf("Updated %s (%d bytes).", slashPath(rel), len(content)), nil
	}
	return fmt.Sprintf("Created %s (%d bytes).", slashPath(rel), len(content)), nil
}

func (t *fileTools) createDir(args map[string]any) (string, error) {
	rel, ok := stringArg(args, "path")
	if !ok {
		return "", fmt.Errorf("%s: missing required argument 'path'", toolCreateDir)
	}
	abs, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("%s: %w", toolCreateDir, err)
	}
	t.mu.Lock()
	t.folders = appendUnique(t.folders, slashPath(rel))
	t.mu.Unlock()
	return fmt.Sprintf("Created directory %s.", slashPath(rel)), nil
}

// resolve maps a model-supplied relative path to an absolute path under
// root. Absolute paths and anything escaping the root lexically are
// rejected; "." maps to the root itself.
func (t *fileTools) resolve(raw string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(raw))
	if raw == "" || filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("path %q is outside the working directory", raw)
	}
	return filepath.Join(t.root, clean), nil
}

// observed returns the files and folders this run actually touched, in
// first-touch order.
func (t *fileTools) observed() (created, edited, folders []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.created...),
		append([]string(nil), t.edited...),
		append([]string(nil), t.folders...)
}

// slashPath normalizes a recorded path to forward slashes for stable output
// across platforms.
func slashPath(rel string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
}

// appendUnique appends s unless already present.
func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// stringArg extracts a string value from a JSON-decoded args map.
// Returns ("", false) when the key is absent or the value is not a string.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
