package services

import (
	"context"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/agent"
)

// AskService answers questions from the user's knowledge base without
// modifying it.
type AskService struct {
	deps Deps
}

// NewAskService builds the ask service.
func NewAskService(deps Deps) *AskService {
	return &AskService{deps: deps}
}

// Answer runs the question pipeline for one sealed group. The reply is
// always the agent's answer text; there is no git operation.
func (s *AskService) Answer(ctx context.Context, req Request) {
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
		Mode:       agent.ModeAsk,
		WorkingDir: topics,
		UserID:     req.UserID,
	})
	if err != nil {
		edit(ctx, s.deps, req, "❌ Could not answer: "+redact.MaskSecrets(err.Error()))
		return
	}

	edit(ctx, s.deps, req, res.AnswerText())
}
