package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/agent"
)

// progressTailChars is how much of the accumulated output each progress
// edit shows.
const progressTailChars = 1000

// defaultEditInterval is how often the processing message is refreshed
// while a task runs.
const defaultEditInterval = 30 * time.Second

// TaskService executes free-form agent tasks with live progress: the
// processing message is periodically edited to show the trailing output,
// and tool failures go to a separate message that is only touched when its
// content changes.
type TaskService struct {
	deps         Deps
	editInterval time.Duration
}

// NewTaskService builds the task service.
func NewTaskService(deps Deps) *TaskService {
	return &TaskService{deps: deps, editInterval: defaultEditInterval}
}

// Run executes the task pipeline for one sealed group.
func (s *TaskService) Run(ctx context.Context, req Request) {
	if !gate(ctx, s.deps, req) {
		return
	}
	entry, topics, ok := resolve(ctx, s.deps, req)
	if !ok {
		return
	}

	var mu sync.Mutex
	var out, problems strings.Builder

	progress := func(chunk string) {
		mu.Lock()
		if strings.HasPrefix(chunk, agent.ToolErrorPrefix) {
			problems.WriteString(chunk)
			problems.WriteString("\n")
		} else {
			out.WriteString(chunk)
			out.WriteString("\n")
		}
		mu.Unlock()
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.streamProgress(ctx, req, stop, func() (string, string) {
			mu.Lock()
			defer mu.Unlock()
			return out.String(), problems.String()
		})
	}()

	text, urls := buildPrompt(req.Group)
	res, err := entry.Agent.Process(ctx, agent.Request{
		Text:       text,
		URLs:       urls,
		Mode:       agent.ModeAgent,
		WorkingDir: topics,
		UserID:     req.UserID,
		Progress:   progress,
	})
	close(stop)
	wg.Wait()

	if err != nil {
		edit(ctx, s.deps, req, "❌ Task failed: "+redact.MaskSecrets(err.Error()))
		return
	}
	edit(ctx, s.deps, req, taskSummary(res))
}

// streamProgress edits the processing message on every tick where the
// output grew, and maintains the separate problems message, creating it
// lazily and editing it only when its content changed.
func (s *TaskService) streamProgress(ctx context.Context, req Request, stop <-chan struct{}, snapshot func() (string, string)) {
	ticker := time.NewTicker(s.editInterval)
	defer ticker.Stop()

	var lastOut, lastProblems string
	var problemsMsgID int64

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			out, problems := snapshot()
			if out != lastOut && out != "" {
				edit(ctx, s.deps, req, tail(out, progressTailChars))
				lastOut = out
			}
			if problems != lastProblems && problems != "" {
				text := tail(problems, progressTailChars)
				if problemsMsgID == 0 {
					id, err := s.deps.Sender.SendMessage(ctx, req.ChatID, text)
					if err == nil {
						problemsMsgID = id
						lastProblems = problems
					}
				} else if err := s.deps.Sender.EditMessage(ctx, req.ChatID, problemsMsgID, text); err == nil {
					lastProblems = problems
				}
			}
		}
	}
}

func taskSummary(res *agent.Result) string {
	var sb strings.Builder
	sb.WriteString("✅ Task complete")
	if sum := strings.TrimSpace(res.Summary); sum != "" {
		sb.WriteString("\n" + sum)
	} else if ans := strings.TrimSpace(res.AnswerText()); ans != "" {
		sb.WriteString("\n" + tail(ans, progressTailChars))
	}
	sb.WriteString(touchedFiles(res))
	return sb.String()
}
