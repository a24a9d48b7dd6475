package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/common/mcpwire"
)

// maxRequestBody caps one inbound JSON-RPC frame.
const maxRequestBody = 1 * 1024 * 1024 // 1 MiB

// keepaliveInterval is how often an idle SSE stream gets a comment line so
// intermediaries don't reap the connection.
const keepaliveInterval = 30 * time.Second

// session is one connected SSE client: requests arrive over POST /message,
// responses flow back on the stream.
type session struct {
	id  string
	out chan *mcpwire.Response
}

// HTTPServer exposes the hub over SSE plus the health and client-config
// endpoints.
type HTTPServer struct {
	hub    *Hub
	addr   string
	server *http.Server

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHTTPServer builds the hub's HTTP front on addr.
func NewHTTPServer(hub *Hub, addr string) *HTTPServer {
	s := &HTTPServer{
		hub:      hub,
		addr:     addr,
		sessions: make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config/client/{type}", s.handleClientConfig)

	// No WriteTimeout: the SSE stream is long-lived by design.
	s.server = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. It returns once the listener is bound so callers
// can immediately poll /health.
func (s *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("hub listen %s: %w", s.addr, err)
	}
	slog.Info("hub listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("hub server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *HTTPServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// handleSSE opens a stream: the first event tells the client where to POST
// its requests, then responses are flushed as message events until the
// client disconnects.
func (s *HTTPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := &session{
		id:  uuid.New().String(),
		out: make(chan *mcpwire.Response, 16),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: endpoint\ndata: /message?session=%s\n\n", sess.id)
	flusher.Flush()
	slog.Debug("sse session opened", "session", sess.id)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("sse session closed", "session", sess.id)
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case resp := <-sess.out:
			raw, err := json.Marshal(resp)
			if err != nil {
				slog.Error("encode response", "session", sess.id, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw)
			flusher.Flush()
		}
	}
}

// handleMessage accepts one JSON-RPC frame for an open session. The HTTP
// response is only an ack; the JSON-RPC response rides the SSE stream.
func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var req mcpwire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			mcpwire.NewErrorResponse(0, mcpwire.CodeParseError, err.Error()))
		return
	}

	// Dispatch off the request goroutine so a slow tool doesn't hold the
	// POST open; the session channel delivers the response in order.
	go func() {
		if resp := s.hub.Handle(context.Background(), &req); resp != nil {
			select {
			case sess.out <- resp:
			default:
				slog.Warn("sse session backlog full; dropping response",
					"session", sessionID, "id", resp.ID)
			}
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, "Accepted")
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.hub.ClientConfig(r.PathValue("type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
