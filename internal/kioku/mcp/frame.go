package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/bdobrica/Kioku/common/mcpwire"
)

// marshalFrame serializes one outgoing request or notification.
func marshalFrame(req *mcpwire.Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return payload, nil
}

// parseResponse decodes an incoming payload. A frame carrying a method is a
// server-initiated notification or request; those return (nil, nil) and the
// caller decides what to do with them.
func parseResponse(payload []byte) (*mcpwire.Response, error) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, err
	}
	if probe.Method != "" {
		return nil, nil
	}

	var resp mcpwire.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// unmarshalResult decodes a raw JSON-RPC result into the caller's type.
func unmarshalResult(raw json.RawMessage, result any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
