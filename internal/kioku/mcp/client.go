// Package mcp implements the Model Context Protocol client used by the bot
// to reach the Shoko hub (or any external MCP server). One client holds one
// connection; concurrent calls are multiplexed over it by request ID.
//
// Transport follows the server config: a URL means SSE (stream down, HTTP
// POST up), otherwise a subprocess is spawned and spoken to over
// newline-delimited JSON-RPC on its stdin/stdout.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kioku/common/mcpwire"
	"github.com/bdobrica/Kioku/common/version"
)

// Default per-call timeout. Long tools (reindex_vector) override per call.
const defaultCallTimeout = 10 * time.Second

// ErrCanceled is reported to pending calls when the client closes under
// them.
var ErrCanceled = errors.New("mcp call canceled")

// ErrNotConnected is returned by calls made before Connect or after Close.
var ErrNotConnected = errors.New("mcp client not connected")

// transport moves raw JSON-RPC payloads. Incoming payloads (responses and
// server notifications) arrive on the channel handed to start; the channel
// closes when the transport dies.
type transport interface {
	start(ctx context.Context, incoming chan<- []byte) error
	send(ctx context.Context, payload []byte) error
	close() error
}

// Client is a single-connection MCP client.
type Client struct {
	name string
	cfg  mcpwire.ServerConfig

	nextID atomic.Int64

	mu        sync.Mutex
	tr        transport
	connected bool
	closed    bool

	pendMu  sync.Mutex
	pending map[int64]chan *mcpwire.Response

	readDone chan struct{}
}

// NewClient builds an unconnected client for the given server config.
func NewClient(name string, cfg mcpwire.ServerConfig) *Client {
	return &Client{
		name:    name,
		cfg:     cfg,
		pending: make(map[int64]chan *mcpwire.Response),
	}
}

// Connect establishes the transport and performs the MCP handshake. The
// client is ready for ListTools / CallTool once Connect returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	var tr transport
	switch c.cfg.Transport() {
	case mcpwire.TransportSSE:
		tr = newSSETransport(c.cfg.URL)
	default:
		tr = newStdioTransport(c.cfg.Command, c.cfg.Args, c.cfg.Cwd, c.cfg.Env)
	}

	incoming := make(chan []byte, 16)
	if err := tr.start(ctx, incoming); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("mcp %s: start transport: %w", c.name, err)
	}
	c.tr = tr
	c.connected = true
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(incoming)

	var init mcpwire.InitializeResult
	err := c.call(ctx, mcpwire.MethodInitialize, mcpwire.InitializeParams{
		ProtocolVersion: mcpwire.ProtocolVersion,
		ClientInfo:      mcpwire.ClientInfo{Name: "kioku", Version: version.Version},
	}, &init)
	if err != nil {
		c.Close()
		return fmt.Errorf("mcp %s: initialize: %w", c.name, err)
	}
	if err := c.notify(ctx, mcpwire.MethodInitialized, nil); err != nil {
		c.Close()
		return fmt.Errorf("mcp %s: initialized notification: %w", c.name, err)
	}

	slog.Info("mcp server ready",
		"name", c.name,
		"transport", c.cfg.Transport(),
		"server", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
	)
	return nil
}

// ListTools returns the tools exposed by the server.
func (c *Client) ListTools(ctx context.Context) ([]mcpwire.Tool, error) {
	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()

	var result mcpwire.ListToolsResult
	if err := c.call(ctx, mcpwire.MethodListTools, nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool with the default per-call timeout.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcpwire.CallToolResult, error) {
	return c.CallToolTimeout(ctx, name, args, 0)
}

// CallToolTimeout invokes a tool with an explicit timeout; zero applies the
// configured default.
func (c *Client) CallToolTimeout(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcpwire.CallToolResult, error) {
	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()

	var result mcpwire.CallToolResult
	err := c.call(ctx, mcpwire.MethodCallTool, mcpwire.CallToolParams{Name: name, Arguments: args}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks the connection with a short health timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	return c.call(ctx, mcpwire.MethodPing, nil, nil)
}

// Close tears down the transport. Pending calls fail with ErrCanceled.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	tr := c.tr
	done := c.readDone
	c.mu.Unlock()

	var err error
	if tr != nil {
		err = tr.close()
	}
	if done != nil {
		<-done
	}
	c.failPending(ErrCanceled)
	return err
}

// withTimeout derives a call context: explicit timeout wins, then the
// configured server timeout, then the package default.
func (c *Client) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
		if c.cfg.Timeout > 0 {
			timeout = time.Duration(c.cfg.Timeout) * time.Millisecond
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	tr := c.tr
	c.mu.Unlock()

	id := c.nextID.Add(1)
	req, err := mcpwire.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	payload, err := marshalFrame(req)
	if err != nil {
		return err
	}

	ch := make(chan *mcpwire.Response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	if err := tr.send(ctx, payload); err != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return ctx.Err()
	case resp := <-ch:
		if resp == nil {
			return ErrCanceled
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		return unmarshalResult(resp.Result, result)
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	tr := c.tr
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	req, err := mcpwire.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := marshalFrame(req)
	if err != nil {
		return err
	}
	return tr.send(ctx, payload)
}

// readLoop routes incoming payloads to their pending call. Server
// notifications (no matching ID) are logged at debug and dropped; the bot
// subscribes to nothing. Transport death drains all pending calls.
func (c *Client) readLoop(incoming <-chan []byte) {
	defer close(c.readDone)

	for payload := range incoming {
		resp, err := parseResponse(payload)
		if err != nil {
			slog.Warn("mcp: unparseable frame", "name", c.name, "err", err)
			continue
		}
		if resp == nil {
			slog.Debug("mcp: server notification ignored", "name", c.name)
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendMu.Unlock()
		if ok {
			ch <- resp
		}
	}
	c.failPending(ErrCanceled)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// failPending completes every outstanding call with a closed-transport
// error response.
func (c *Client) failPending(cause error) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for id, ch := range c.pending {
		ch <- &mcpwire.Response{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &mcpwire.ResponseError{Code: mcpwire.CodeClosed, Message: cause.Error()},
		}
	}
	c.pending = make(map[int64]chan *mcpwire.Response)
}
