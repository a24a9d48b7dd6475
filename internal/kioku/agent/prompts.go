package agent

import (
	"fmt"
	"strings"
)

// resultBlockInstructions documents the fenced block the model must append
// to its final response. Shared by the note and agent prompts; ask mode asks
// only for the answer field.
const resultBlockInstructions = "End your final response with a fenced block exactly like this:\n" +
	"```agent-result\n" +
	"{\n" +
	"  \"title\": \"short note title\",\n" +
	"  \"summary\": \"one or two sentences on what was saved\",\n" +
	"  \"files_created\": [\"relative/path.md\"],\n" +
	"  \"files_edited\": [],\n" +
	"  \"folders_created\": [],\n" +
	"  \"kb_structure\": {\"category\": \"ai\", \"subcategory\": \"\"},\n" +
	"  \"metadata\": {\"tags\": []}\n" +
	"}\n" +
	"```\n" +
	"List every file and folder you touched, with paths relative to the working directory."

const noteSystemPrompt = `You are a note-taking assistant managing a personal Markdown knowledge base.

The working directory is the knowledge base topics tree. Organize notes as
<category>/<subcategory>/<topic>.md, using the existing categories when one
fits and creating new ones when none does. Before writing, list the relevant
directories and read neighbouring notes so new content extends rather than
duplicates them.

Write clean Markdown: a single H1 title, short sections, and a "Sources"
section listing any reference links. Preserve attribution lines from
forwarded messages. Use the file tools for every read and write; never
invent file contents you did not write.

` + resultBlockInstructions

const askSystemPrompt = `You are a question-answering assistant over a personal Markdown knowledge base.

The working directory is the knowledge base topics tree. Use list_dir and
read_file to locate the material relevant to the question, then answer from
what the notes actually say. When the notes do not cover the question, say
so instead of guessing. Do not modify any files.

End your final response with a fenced block exactly like this:
` + "```agent-result\n{\n  \"answer\": \"your answer here\"\n}\n```"

const agentSystemPrompt = `You are an autonomous assistant operating on a personal Markdown knowledge base.

The working directory is the knowledge base topics tree. Carry out the
requested task end to end using the available tools, narrating briefly what
you are doing as you go. Keep every change inside the working directory.

` + resultBlockInstructions

// systemPrompt returns the system prompt for mode.
func systemPrompt(mode Mode) string {
	switch mode {
	case ModeAsk:
		return askSystemPrompt
	case ModeAgent:
		return agentSystemPrompt
	default:
		return noteSystemPrompt
	}
}

// buildUserPrompt renders the request payload for the model: the text plus a
// links section when URLs were extracted from the source messages.
func buildUserPrompt(req Request) string {
	if len(req.URLs) == 0 {
		return req.Text
	}
	var sb strings.Builder
	sb.WriteString(req.Text)
	sb.WriteString("\n\nLinks:\n")
	for _, u := range req.URLs {
		fmt.Fprintf(&sb, "- %s\n", u)
	}
	return strings.TrimRight(sb.String(), "\n")
}
