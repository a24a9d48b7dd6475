// Package services implements the mode-specific processing of sealed message
// groups: note creation, question answering, and free-form agent tasks. The
// router hands every service the sealed group plus the ID of the
// "processing" message it already posted; services report progress and
// outcomes by editing that message.
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/aggregator"
	"github.com/bdobrica/Kioku/internal/kioku/agent"
	"github.com/bdobrica/Kioku/internal/kioku/chat"
	"github.com/bdobrica/Kioku/internal/kioku/gitops"
	"github.com/bdobrica/Kioku/internal/kioku/kb"
	"github.com/bdobrica/Kioku/internal/kioku/ratelimit"
	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/usercache"
)

// Deps bundles what every service needs. All fields are required unless
// noted.
type Deps struct {
	Sender   chat.Sender
	Limiter  *ratelimit.Limiter
	Cache    *usercache.Cache
	KB       *kb.Manager
	Git      *gitops.Ops // optional; nil disables git entirely
	Settings *settings.Store
}

// Request identifies one dispatch: the sealed group plus the chat message
// the service should keep editing.
type Request struct {
	Group           *aggregator.Group
	ChatID          int64
	UserID          int64
	ProcessingMsgID int64
}

// gate applies the rate limiter. On denial it edits the processing message
// with the wait hint and reports false.
func gate(ctx context.Context, deps Deps, req Request) bool {
	ok, retryIn := deps.Limiter.Allow(req.UserID)
	if ok {
		return true
	}
	edit(ctx, deps, req, ratelimit.Hint(retryIn))
	return false
}

// resolve fetches the user's cached entry and the agent working directory
// (the KB topics tree). A failure edits the processing message and returns
// ok=false.
func resolve(ctx context.Context, deps Deps, req Request) (*usercache.Entry, string, bool) {
	entry, err := deps.Cache.Get(ctx, req.UserID)
	if err != nil {
		edit(ctx, deps, req, "❌ "+redact.MaskSecrets(err.Error()))
		return nil, "", false
	}
	kbPath, ok := deps.KB.GetKBPath(req.UserID)
	if !ok {
		edit(ctx, deps, req, "❌ No knowledge base is configured yet.")
		return nil, "", false
	}
	topics, err := kb.TopicsDir(kbPath)
	if err != nil {
		edit(ctx, deps, req, "❌ "+redact.MaskSecrets(err.Error()))
		return nil, "", false
	}
	return entry, topics, true
}

// edit updates the processing message, falling back to a fresh message when
// the edit fails.
func edit(ctx context.Context, deps Deps, req Request, text string) {
	if err := deps.Sender.EditMessage(ctx, req.ChatID, req.ProcessingMsgID, text); err != nil {
		_, _ = deps.Sender.SendMessage(ctx, req.ChatID, text)
	}
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// buildPrompt flattens the group into one prompt payload. Forwarded
// messages get an attribution line; URLs are collected separately so the
// agent can list them as sources.
func buildPrompt(group *aggregator.Group) (string, []string) {
	var sb strings.Builder
	var urls []string
	for i, msg := range group.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if msg.IsForwarded() {
			sb.WriteString(forwardAttribution(msg))
			sb.WriteString("\n")
		}
		sb.WriteString(strings.TrimSpace(msg.Content()))
		for _, u := range urlPattern.FindAllString(msg.Content(), -1) {
			urls = appendUnique(urls, u)
		}
	}
	return sb.String(), urls
}

// forwardAttribution renders the provenance line for a forwarded message.
func forwardAttribution(msg chat.Message) string {
	name := strings.TrimSpace(msg.ForwardSenderName)
	if name == "" {
		name = "unknown sender"
	}
	if msg.ForwardDate > 0 {
		day := time.Unix(msg.ForwardDate, 0).UTC().Format("2006-01-02")
		return fmt.Sprintf("[forwarded from %s, %s]", name, day)
	}
	return fmt.Sprintf("[forwarded from %s]", name)
}

// tail returns the trailing max characters of s, rune-safe.
func tail(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// touchedFiles renders the created and edited file lists as bullet lines.
func touchedFiles(res *agent.Result) string {
	var sb strings.Builder
	for _, p := range res.FilesCreated {
		fmt.Fprintf(&sb, "\n• %s (new)", p)
	}
	for _, p := range res.FilesEdited {
		fmt.Fprintf(&sb, "\n• %s (updated)", p)
	}
	return sb.String()
}
