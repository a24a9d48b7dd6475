package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bdobrica/Kioku/common/mcpwire"
)

// stdioBufferSize bounds one newline-delimited frame on stdio.
const stdioBufferSize = 1 * 1024 * 1024 // 1 MiB

// ServeStdio speaks newline-delimited JSON-RPC on the given pipe until EOF
// or context cancellation. Requests are handled sequentially; responses are
// serialized through a write lock so concurrent tool completions never
// interleave frames.
func (h *Hub) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	var writeMu sync.Mutex
	write := func(resp *mcpwire.Response) {
		raw, err := json.Marshal(resp)
		if err != nil {
			slog.Error("encode response", "err", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(out, "%s\n", raw)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), stdioBufferSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req mcpwire.Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(mcpwire.NewErrorResponse(0, mcpwire.CodeParseError, err.Error()))
			continue
		}
		if resp := h.Handle(ctx, &req); resp != nil {
			write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read: %w", err)
	}
	return nil
}
