package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// sseConnectTimeout bounds the wait for the server's endpoint event.
const sseConnectTimeout = 15 * time.Second

// sseTransport reads server frames from a long-lived GET /sse stream and
// sends requests as HTTP POSTs to the endpoint the server announces in its
// first event.
type sseTransport struct {
	streamURL string
	client    *http.Client

	mu       sync.Mutex
	postURL  string
	body     io.Closer
	cancel   context.CancelFunc
	endpoint chan string
}

func newSSETransport(streamURL string) *sseTransport {
	return &sseTransport{
		streamURL: streamURL,
		client:    &http.Client{}, // stream reads must not time out
		endpoint:  make(chan string, 1),
	}
}

func (t *sseTransport) start(ctx context.Context, incoming chan<- []byte) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.streamURL, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open sse stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open sse stream: status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.body = resp.Body
	t.cancel = cancel
	t.mu.Unlock()

	go t.readStream(resp.Body, incoming)

	// The server's first event names the POST endpoint for this session.
	select {
	case raw := <-t.endpoint:
		postURL, err := t.resolveEndpoint(raw)
		if err != nil {
			t.close()
			return err
		}
		t.mu.Lock()
		t.postURL = postURL
		t.mu.Unlock()
		return nil
	case <-time.After(sseConnectTimeout):
		t.close()
		return fmt.Errorf("sse handshake: no endpoint event within %s", sseConnectTimeout)
	case <-ctx.Done():
		t.close()
		return ctx.Err()
	}
}

func (t *sseTransport) send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	postURL := t.postURL
	t.mu.Unlock()
	if postURL == "" {
		return ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post message: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (t *sseTransport) close() error {
	t.mu.Lock()
	cancel := t.cancel
	body := t.body
	t.cancel = nil
	t.body = nil
	t.postURL = ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		body.Close()
	}
	return nil
}

// readStream parses the SSE wire format: "event:"/"data:" lines, blank line
// terminates one event. Endpoint events feed the handshake; message events
// carry JSON-RPC frames.
func (t *sseTransport) readStream(r io.Reader, incoming chan<- []byte) {
	defer close(incoming)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			t.dispatchEvent(eventName, data.String(), incoming)
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	t.dispatchEvent(eventName, data.String(), incoming)
}

func (t *sseTransport) dispatchEvent(name, data string, incoming chan<- []byte) {
	if data == "" {
		return
	}
	switch name {
	case "endpoint":
		select {
		case t.endpoint <- data:
		default:
		}
	case "message", "":
		incoming <- []byte(data)
	}
}

// resolveEndpoint makes the announced POST target absolute relative to the
// stream URL.
func (t *sseTransport) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(t.streamURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}
