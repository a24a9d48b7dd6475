package mcpwire_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/common/mcpwire"
)

func TestServerConfig_Transport(t *testing.T) {
	cases := []struct {
		name string
		cfg  mcpwire.ServerConfig
		want string
	}{
		{"sse when url set", mcpwire.ServerConfig{URL: "http://127.0.0.1:8765/sse"}, mcpwire.TransportSSE},
		{"stdio when command set", mcpwire.ServerConfig{Command: "shoko", Args: []string{"--stdio"}}, mcpwire.TransportStdio},
		{"url wins over command", mcpwire.ServerConfig{URL: "http://h/sse", Command: "x"}, mcpwire.TransportSSE},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.Transport(); got != tc.want {
				t.Errorf("Transport() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNotification_OmitsID(t *testing.T) {
	n, err := mcpwire.NewNotification(mcpwire.MethodInitialized, nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if !n.IsNotification() {
		t.Fatal("expected IsNotification() = true")
	}
	raw, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), `"id"`) {
		t.Errorf("notification wire form must not carry an id: %s", raw)
	}
}

func TestRequest_CarriesID(t *testing.T) {
	req, err := mcpwire.NewRequest(7, mcpwire.MethodListTools, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.IsNotification() {
		t.Fatal("request with id must not be a notification")
	}

	raw, _ := json.Marshal(req)
	var decoded mcpwire.Request
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID == nil || *decoded.ID != 7 {
		t.Errorf("round-tripped id = %v, want 7", decoded.ID)
	}
}

func TestCallToolResult_Text(t *testing.T) {
	r := &mcpwire.CallToolResult{Content: []mcpwire.ContentItem{
		{Type: "text", Text: "part one "},
		{Type: "image", Data: "aaaa"},
		{Type: "text", Text: "part two"},
	}}
	if got := r.Text(); got != "part one part two" {
		t.Errorf("Text() = %q", got)
	}
}

func TestErrorResult(t *testing.T) {
	r := mcpwire.ErrorResult("AlreadyRunning: reindex in progress for kb")
	if !r.IsError {
		t.Fatal("expected IsError")
	}
	if !strings.Contains(r.Text(), "AlreadyRunning") {
		t.Errorf("unexpected text %q", r.Text())
	}
}

func TestJSONResult(t *testing.T) {
	r, err := mcpwire.JSONResult(map[string]string{"status": "started"})
	if err != nil {
		t.Fatalf("JSONResult: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(r.Text()), &decoded); err != nil {
		t.Fatalf("result text is not JSON: %v", err)
	}
	if decoded["status"] != "started" {
		t.Errorf("status = %q", decoded["status"])
	}
}
