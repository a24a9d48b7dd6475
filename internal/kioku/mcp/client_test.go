package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/common/mcpwire"
)

// fakeHub is an httptest-backed SSE MCP server answering initialize,
// tools/list, tools/call and ping.
type fakeHub struct {
	t        *testing.T
	requests chan *mcpwire.Request
	outgoing chan []byte

	callTool func(params mcpwire.CallToolParams) *mcpwire.CallToolResult
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	t.Helper()
	h := &fakeHub{
		t:        t,
		requests: make(chan *mcpwire.Request, 16),
		outgoing: make(chan []byte, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", h.handleSSE)
	mux.HandleFunc("POST /message", h.handlePost)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	go h.serve()
	return h, srv
}

func (h *fakeHub) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "event: endpoint\ndata: /message\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-h.outgoing:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (h *fakeHub) handlePost(w http.ResponseWriter, r *http.Request) {
	var req mcpwire.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.requests <- &req
	w.WriteHeader(http.StatusAccepted)
}

func (h *fakeHub) serve() {
	for req := range h.requests {
		if req.IsNotification() {
			continue
		}
		var resp *mcpwire.Response
		switch req.Method {
		case mcpwire.MethodInitialize:
			resp, _ = mcpwire.NewResponse(*req.ID, mcpwire.InitializeResult{
				ProtocolVersion: mcpwire.ProtocolVersion,
				ServerInfo:      mcpwire.ServerInfo{Name: "fake-hub", Version: "test"},
			})
		case mcpwire.MethodListTools:
			resp, _ = mcpwire.NewResponse(*req.ID, mcpwire.ListToolsResult{
				Tools: []mcpwire.Tool{{Name: "store_memory"}, {Name: "vector_search"}},
			})
		case mcpwire.MethodCallTool:
			var params mcpwire.CallToolParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				resp = mcpwire.NewErrorResponse(*req.ID, mcpwire.CodeInvalidParams, err.Error())
				break
			}
			if h.callTool != nil {
				resp, _ = mcpwire.NewResponse(*req.ID, h.callTool(params))
			} else {
				resp, _ = mcpwire.NewResponse(*req.ID, mcpwire.TextResult("ok"))
			}
		case mcpwire.MethodPing:
			resp, _ = mcpwire.NewResponse(*req.ID, struct{}{})
		default:
			resp = mcpwire.NewErrorResponse(*req.ID, mcpwire.CodeMethodNotFound, req.Method)
		}
		payload, _ := json.Marshal(resp)
		h.outgoing <- payload
	}
}

func connectedClient(t *testing.T) (*Client, *fakeHub) {
	t.Helper()
	hub, srv := newFakeHub(t)
	client := NewClient("hub", mcpwire.ServerConfig{URL: srv.URL + "/sse"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, hub
}

func TestTransportSelection(t *testing.T) {
	if got := (mcpwire.ServerConfig{URL: "http://x/sse"}).Transport(); got != mcpwire.TransportSSE {
		t.Fatalf("url config: got %s", got)
	}
	if got := (mcpwire.ServerConfig{Command: "shoko"}).Transport(); got != mcpwire.TransportStdio {
		t.Fatalf("command config: got %s", got)
	}
}

func TestConnectAndListTools(t *testing.T) {
	client, _ := connectedClient(t)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "store_memory" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	client, hub := connectedClient(t)
	hub.callTool = func(params mcpwire.CallToolParams) *mcpwire.CallToolResult {
		if params.Name != "store_memory" {
			return mcpwire.ErrorResult("wrong tool")
		}
		if params.Arguments["user_id"] != float64(101) {
			return mcpwire.ErrorResult("wrong user")
		}
		return mcpwire.TextResult(`{"id":"abc"}`)
	}

	res, err := client.CallTool(context.Background(), "store_memory", map[string]any{
		"content": "hello",
		"user_id": 101,
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", res.Text())
	}
	if res.Text() != `{"id":"abc"}` {
		t.Fatalf("unexpected result: %q", res.Text())
	}
}

func TestPing(t *testing.T) {
	client, _ := connectedClient(t)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCallBeforeConnect(t *testing.T) {
	client := NewClient("hub", mcpwire.ServerConfig{URL: "http://127.0.0.1:1/sse"})
	if _, err := client.CallTool(context.Background(), "x", nil); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestClosedClientRejectsConnect(t *testing.T) {
	client := NewClient("hub", mcpwire.ServerConfig{URL: "http://127.0.0.1:1/sse"})
	client.Close()
	if err := client.Connect(context.Background()); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected after Close, got %v", err)
	}
}

func TestCloseAbortsPendingCall(t *testing.T) {
	client, hub := connectedClient(t)
	hub.callTool = func(mcpwire.CallToolParams) *mcpwire.CallToolResult {
		time.Sleep(5 * time.Second)
		return mcpwire.TextResult("late")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := client.CallToolTimeout(context.Background(), "slow", nil, time.Minute)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("pending call should fail after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not abort")
	}
}

func TestParseResponseSkipsServerNotifications(t *testing.T) {
	resp, err := parseResponse([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp != nil {
		t.Fatalf("notification should yield nil response, got %+v", resp)
	}
}
