package agent

import (
	"encoding/json"
	"strings"
)

// Fence names recognized in agent output.
const (
	resultFence   = "agent-result"
	metadataFence = "metadata"
)

// fallbackShortLimit is the remainder length below which the fallback uses
// the full raw text: when stripping the fenced blocks leaves almost nothing,
// the response lived inside a malformed block and the whole text is the
// better answer.
const fallbackShortLimit = 50

// ParseResult extracts the structured agent-result block from raw model
// output. When the block is missing or malformed, the Answer field is filled
// via the fallback extraction instead. Markdown always carries the full raw
// text.
func ParseResult(raw string) *Result {
	res := &Result{Markdown: raw}
	if body, ok := fencedBlock(raw, resultFence); ok {
		if err := json.Unmarshal([]byte(body), res); err == nil {
			return res
		}
	}
	res.Answer = fallbackAnswer(raw)
	return res
}

// AnswerText returns the explicit answer field when present, otherwise the
// fallback extraction over the raw output.
func (r *Result) AnswerText() string {
	if strings.TrimSpace(r.Answer) != "" {
		return r.Answer
	}
	return fallbackAnswer(r.Markdown)
}

// fallbackAnswer strips the agent-result and metadata blocks from raw and
// returns what remains, or the full text when the remainder is too short to
// stand on its own.
func fallbackAnswer(raw string) string {
	stripped := stripBlock(stripBlock(raw, resultFence), metadataFence)
	stripped = strings.TrimSpace(stripped)
	if len(stripped) < fallbackShortLimit {
		return strings.TrimSpace(raw)
	}
	return stripped
}

// fencedBlock returns the body of the first ```name fenced block in raw.
func fencedBlock(raw, name string) (string, bool) {
	_, body, _, ok := splitFence(raw, name)
	return body, ok
}

// stripBlock removes the first ```name fenced block from raw, fences
// included. Unterminated blocks are cut to the end of the text.
func stripBlock(raw, name string) string {
	before, _, after, ok := splitFence(raw, name)
	if !ok {
		start := strings.Index(raw, "```"+name)
		if start < 0 {
			return raw
		}
		return raw[:start]
	}
	return before + after
}

// splitFence locates the first ```name block and returns the text before it,
// the block body, and the text after the closing fence.
func splitFence(raw, name string) (before, body, after string, ok bool) {
	marker := "```" + name
	start := strings.Index(raw, marker)
	if start < 0 {
		return "", "", "", false
	}
	rest := raw[start+len(marker):]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", "", "", false
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", "", "", false
	}
	before = raw[:start]
	body = rest[:end]
	after = rest[end+len("```"):]
	return before, body, after, true
}

// mergePaths unions b into a preserving order and skipping duplicates.
func mergePaths(a, b []string) []string {
	out := a
	for _, p := range b {
		out = appendUnique(out, p)
	}
	return out
}
