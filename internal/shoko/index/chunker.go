package index

import "strings"

// Chunk sizing. Chunks track Markdown headings where possible so snippets
// stay coherent; oversized sections fall back to byte windows with overlap.
const (
	chunkSize    = 1200
	chunkOverlap = 200
)

// Chunk is one indexable slice of a document.
type Chunk struct {
	Path    string
	Heading string
	Text    string
	Ordinal int
}

// splitDocument cuts Markdown content into chunks. Sections are delimited
// by headings; a section longer than chunkSize is windowed with overlap so
// no content is lost at the boundaries.
func splitDocument(path, content string) []Chunk {
	var chunks []Chunk
	ordinal := 0

	add := func(heading, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		chunks = append(chunks, Chunk{Path: path, Heading: heading, Text: text, Ordinal: ordinal})
		ordinal++
	}

	for _, section := range splitSections(content) {
		if len(section.body) <= chunkSize {
			add(section.heading, section.body)
			continue
		}
		for _, window := range windows(section.body) {
			add(section.heading, window)
		}
	}
	return chunks
}

type section struct {
	heading string
	body    string
}

// splitSections breaks content at Markdown headings, keeping each heading
// line with its body.
func splitSections(content string) []section {
	lines := strings.Split(content, "\n")

	var sections []section
	var heading string
	var body strings.Builder

	flush := func() {
		if body.Len() > 0 {
			sections = append(sections, section{heading: heading, body: body.String()})
			body.Reset()
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()

	if len(sections) == 0 && strings.TrimSpace(content) != "" {
		sections = append(sections, section{body: content})
	}
	return sections
}

// windows slices text into chunkSize pieces overlapping by chunkOverlap,
// preferring to break at a line boundary near the window edge.
func windows(text string) []string {
	var out []string
	step := chunkSize - chunkOverlap

	for start := 0; start < len(text); start += step {
		end := start + chunkSize
		if end >= len(text) {
			out = append(out, text[start:])
			break
		}
		// Back off to the previous newline when one is close enough.
		cut := end
		if nl := strings.LastIndexByte(text[start:end], '\n'); nl > step/2 {
			cut = start + nl
		}
		out = append(out, text[start:cut])
	}
	return out
}
