package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bdobrica/Kioku/common/mcpwire"
)

// hubServerName is the key clients use for the hub in their MCP config.
const hubServerName = "mcp-hub"

// Client config flavors served from GET /config/client/{type}.
const (
	ClientConfigStandard = "standard"
	ClientConfigLMStudio = "lmstudio"
)

// ClientConfig renders the hub's client configuration in the requested
// flavor. The standard form carries the allow-list and trust flags; the
// LM Studio form is the minimal mcp.json shape its UI accepts.
func (h *Hub) ClientConfig(kind string) (any, error) {
	switch kind {
	case ClientConfigStandard:
		return h.standardClientConfig(), nil
	case ClientConfigLMStudio:
		return map[string]any{
			"mcpServers": map[string]any{
				hubServerName: map[string]any{"url": h.sseURL},
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported client config type %q", kind)
	}
}

func (h *Hub) standardClientConfig() mcpwire.ClientConfig {
	return mcpwire.ClientConfig{
		MCPServers: map[string]mcpwire.ServerConfig{
			hubServerName: {
				URL:         h.sseURL,
				Timeout:     10000,
				Trust:       true,
				Description: "Shoko MCP hub: memory, vector search and server registry",
			},
		},
		AllowMCPServers: []string{hubServerName},
	}
}

// WriteClientConfig writes the standard client config to
// <dataDir>/mcp/client_config.json and returns the path.
func (h *Hub) WriteClientConfig(dataDir string) (string, error) {
	raw, err := json.MarshalIndent(h.standardClientConfig(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode client config: %w", err)
	}

	path := filepath.Join(dataDir, "mcp", "client_config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write client config: %w", err)
	}
	return path, nil
}
