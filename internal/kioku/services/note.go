package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/agent"
)

// NoteService turns sealed message groups into Markdown notes in the user's
// knowledge base.
type NoteService struct {
	deps Deps
}

// NewNoteService builds the note service.
func NewNoteService(deps Deps) *NoteService {
	return &NoteService{deps: deps}
}

// Create runs the note pipeline for one sealed group: rate gate, prompt
// build, agent run, optional git commit, confirmation reply. Failures edit
// the processing message with a scrubbed error; any files the agent already
// wrote stay in place.
func (s *NoteService) Create(ctx context.Context, req Request) {
	if !gate(ctx, s.deps, req) {
		return
	}
	entry, topics, ok := resolve(ctx, s.deps, req)
	if !ok {
		return
	}

	text, urls := buildPrompt(req.Group)
	res, err := entry.Agent.Process(ctx, agent.Request{
		Text:       text,
		URLs:       urls,
		Mode:       agent.ModeNote,
		WorkingDir: topics,
		UserID:     req.UserID,
	})
	if err != nil {
		edit(ctx, s.deps, req, "❌ Could not save the note: "+redact.MaskSecrets(err.Error()))
		return
	}

	gitNote := s.commitNote(ctx, req, res)
	edit(ctx, s.deps, req, confirmation(res)+gitNote)
}

// commitNote commits and pushes the KB when git is enabled for the user.
// The returned string is empty on success and a warning line otherwise; a
// failed push never discards the note itself.
func (s *NoteService) commitNote(ctx context.Context, req Request, res *agent.Result) string {
	if s.deps.Git == nil || !s.deps.Settings.GitEnabled(req.UserID) {
		return ""
	}
	kbPath, ok := s.deps.KB.GetKBPath(req.UserID)
	if !ok {
		return ""
	}
	if _, err := s.deps.Git.AutoCommitAndPush(ctx, kbPath, "note: "+noteTitle(res), req.UserID); err != nil {
		slog.Warn("note commit failed", "user_id", req.UserID, "err", err)
		return "\n⚠️ git: " + redact.MaskSecrets(err.Error())
	}
	return ""
}

func noteTitle(res *agent.Result) string {
	if t := strings.TrimSpace(res.Title); t != "" {
		return t
	}
	if len(res.FilesCreated) > 0 {
		return res.FilesCreated[0]
	}
	return "untitled"
}

func confirmation(res *agent.Result) string {
	var sb strings.Builder
	sb.WriteString("✅ Note saved: " + noteTitle(res))
	if sum := strings.TrimSpace(res.Summary); sum != "" {
		sb.WriteString("\n" + sum)
	}
	sb.WriteString(touchedFiles(res))
	return sb.String()
}
