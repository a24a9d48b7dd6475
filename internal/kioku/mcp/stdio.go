package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
)

// stdioTransport speaks newline-delimited JSON-RPC to a child process.
type stdioTransport struct {
	command string
	args    []string
	cwd     string
	env     map[string]string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newStdioTransport(command string, args []string, cwd string, env map[string]string) *stdioTransport {
	return &stdioTransport{command: command, args: args, cwd: cwd, env: env}
}

func (t *stdioTransport) start(ctx context.Context, incoming chan<- []byte) error {
	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Dir = t.cwd
	cmd.Env = mergeEnv(os.Environ(), t.env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start %s: %w", t.command, err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.mu.Unlock()

	go func() {
		defer close(incoming)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1<<20), 1<<20) // 1MB per line
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			incoming <- append([]byte(nil), line...)
		}
	}()
	return nil
}

func (t *stdioTransport) send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdin == nil {
		return ErrNotConnected
	}
	_, err := fmt.Fprintf(t.stdin, "%s\n", payload)
	return err
}

// close shuts stdin so the child sees EOF, then reaps it.
func (t *stdioTransport) close() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.stdin = nil
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil {
		return cmd.Wait()
	}
	return nil
}

// mergeEnv appends extra vars to base in stable order.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
