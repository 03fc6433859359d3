package spike

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TransportStdio launches the upstream as a child process speaking MCP
	// over stdin/stdout.
	TransportStdio = "stdio"
	// TransportHTTP connects to a streamable-HTTP MCP endpoint.
	TransportHTTP = "http"
	// TransportSSE connects to a legacy SSE MCP endpoint.
	TransportSSE = "sse"
)

// AuthTokenEnv is the well-known env key that, when present in an
// upstream's env map, is sent as an Authorization bearer credential on
// HTTP-streaming and SSE transports.
const AuthTokenEnv = "SPIKE_AUTH_TOKEN"

// UpstreamConfig describes one upstream MCP server. It is a discriminated
// variant: stdio entries carry Command (+Args/Env), http and sse entries
// carry URL (+Env). Kind resolves the variant.
type UpstreamConfig struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Tools   *ToolFilterConfig `json:"tools,omitempty"`
}

// Kind returns the transport variant for the entry: TransportStdio,
// TransportHTTP or TransportSSE. An explicit Type wins; otherwise a
// Command implies stdio and a URL implies http.
func (c UpstreamConfig) Kind() string {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case TransportStdio:
		return TransportStdio
	case TransportSSE:
		return TransportSSE
	case TransportHTTP, "streamable-http", "streamable_http", "streamablehttp":
		return TransportHTTP
	}
	if strings.TrimSpace(c.Command) != "" {
		return TransportStdio
	}
	return TransportHTTP
}

// Validate checks the entry against its variant.
func (c UpstreamConfig) Validate() error {
	switch c.Kind() {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("stdio upstream requires a command")
		}
	case TransportHTTP, TransportSSE:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("%s upstream requires a url", c.Kind())
		}
	}
	return nil
}

// Equal reports structural equality over the serialized form of the two
// configs. encoding/json emits map keys in sorted order, so the comparison
// is deterministic.
func (c UpstreamConfig) Equal(other UpstreamConfig) bool {
	a, err := json.Marshal(c)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// ToolsetConfig names the upstream servers grouped under one lazily loaded
// toolset.
type ToolsetConfig struct {
	Servers     []string `json:"servers"`
	Description string   `json:"description,omitempty"`
}

// ResolvedConfig is the merged result of config discovery: the upstream
// map, the optional toolset groups, the lazy-loading switch, and the
// provenance list of files that contributed.
type ResolvedConfig struct {
	Servers     map[string]UpstreamConfig
	Toolsets    map[string]ToolsetConfig
	LazyLoading bool
	Sources     []string
}

// fileConfig is the on-disk shape of a .mcp.json layer.
type fileConfig struct {
	MCPServers  map[string]UpstreamConfig `json:"mcpServers"`
	Toolsets    map[string]ToolsetConfig  `json:"toolsets,omitempty"`
	LazyLoading *bool                     `json:"lazyLoading,omitempty"`
}

func parseConfigFile(data []byte) (*fileConfig, error) {
	var cfg fileConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for name, server := range cfg.MCPServers {
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
	}
	return &cfg, nil
}
