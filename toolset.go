package spike

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"pkt.systems/spike/internal/svcfields"
)

// MetaServerName is the synthetic server name owning the toolset
// meta-tools in the aggregated catalog.
const MetaServerName = "spike"

// Meta-tool wire names. These are fixed; they do not follow the fleet's
// configurable separator.
const (
	MetaToolListToolsets  = "spike__list_toolsets"
	MetaToolLoadToolset   = "spike__load_toolset"
	MetaToolUnloadToolset = "spike__unload_toolset"
)

// UnknownToolsetError reports a load/unload against a toolset name that
// was never configured.
type UnknownToolsetError struct {
	Name string
}

func (e *UnknownToolsetError) Error() string {
	return fmt.Sprintf("unknown toolset %q", e.Name)
}

// ToolsetController hides whole groups of upstream tools until explicitly
// loaded through its synthetic meta-tools. A server is visible iff it
// belongs to no toolset, or at least one containing toolset is loaded.
type ToolsetController struct {
	mu       sync.Mutex
	toolsets map[string]ToolsetConfig
	loaded   map[string]bool

	// toolCount reports the current tool count of one server; supplied by
	// the fleet so list_toolsets can report accurate totals.
	toolCount func(server string) int
	logger    pslog.Logger
}

// NewToolsetController builds a controller over the configured toolsets.
func NewToolsetController(toolsets map[string]ToolsetConfig, toolCount func(server string) int, logger pslog.Logger) *ToolsetController {
	copied := make(map[string]ToolsetConfig, len(toolsets))
	for name, ts := range toolsets {
		copied[name] = ts
	}
	if toolCount == nil {
		toolCount = func(string) int { return 0 }
	}
	return &ToolsetController{
		toolsets:  copied,
		loaded:    map[string]bool{},
		toolCount: toolCount,
		logger:    svcfields.WithSubsystem(ensureLogger(logger), "toolsets"),
	}
}

// Replace swaps the toolset configuration, preserving loaded state for
// toolsets that still exist. Used on config hot-reload.
func (c *ToolsetController) Replace(toolsets map[string]ToolsetConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string]ToolsetConfig, len(toolsets))
	for name, ts := range toolsets {
		copied[name] = ts
	}
	c.toolsets = copied
	for name := range c.loaded {
		if _, ok := c.toolsets[name]; !ok {
			delete(c.loaded, name)
		}
	}
}

// IsServerVisible applies the membership invariant: member of no toolset,
// or member of at least one loaded toolset.
func (c *ToolsetController) IsServerVisible(server string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	member := false
	for name, ts := range c.toolsets {
		for _, s := range ts.Servers {
			if s != server {
				continue
			}
			member = true
			if c.loaded[name] {
				return true
			}
		}
	}
	return !member
}

// LoadToolset marks the named toolset loaded.
func (c *ToolsetController) LoadToolset(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.toolsets[name]; !ok {
		return &UnknownToolsetError{Name: name}
	}
	c.loaded[name] = true
	c.logger.Info("toolset.loaded", "toolset", name)
	return nil
}

// UnloadToolset removes the named toolset from the loaded set. It fails
// when the toolset is unknown or not currently loaded.
func (c *ToolsetController) UnloadToolset(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.toolsets[name]; !ok {
		return &UnknownToolsetError{Name: name}
	}
	if !c.loaded[name] {
		return fmt.Errorf("toolset %q is not loaded", name)
	}
	delete(c.loaded, name)
	c.logger.Info("toolset.unloaded", "toolset", name)
	return nil
}

// LoadedToolsets returns the sorted names of currently loaded toolsets.
func (c *ToolsetController) LoadedToolsets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.loaded))
	for name := range c.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handles reports whether wireName is one of the controller's meta-tools.
func (c *ToolsetController) Handles(wireName string) bool {
	switch wireName {
	case MetaToolListToolsets, MetaToolLoadToolset, MetaToolUnloadToolset:
		return true
	}
	return false
}

// MetaTools returns the synthetic tool descriptors exposed under the
// MetaServerName server.
func (c *ToolsetController) MetaTools() []*mcp.Tool {
	nameInput := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"name": {Type: "string", Description: "Toolset name"},
		},
		Required: []string{"name"},
	}
	return []*mcp.Tool{
		{
			Name:        MetaToolListToolsets,
			Description: "List the configured toolsets, their servers, tool counts and load state",
			InputSchema: &jsonschema.Schema{Type: "object"},
		},
		{
			Name:        MetaToolLoadToolset,
			Description: "Load a toolset, making its servers' tools visible in the catalog",
			InputSchema: nameInput,
		},
		{
			Name:        MetaToolUnloadToolset,
			Description: "Unload a previously loaded toolset, hiding its servers' tools",
			InputSchema: nameInput,
		},
	}
}

type toolsetSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Loaded      bool     `json:"loaded"`
	Servers     []string `json:"servers"`
	ToolCount   int      `json:"toolCount"`
}

// CallMetaTool executes one of the meta-tools. Failures are reported as
// tool results with IsError set, mirroring how upstream tool failures
// travel across the MCP boundary.
func (c *ToolsetController) CallMetaTool(_ context.Context, wireName string, args map[string]any) (*mcp.CallToolResult, error) {
	switch wireName {
	case MetaToolListToolsets:
		return c.listToolsetsResult()
	case MetaToolLoadToolset:
		name, _ := args["name"].(string)
		if err := c.LoadToolset(name); err != nil {
			return errorResult(err), nil
		}
		return c.loadedResult(name), nil
	case MetaToolUnloadToolset:
		name, _ := args["name"].(string)
		if err := c.UnloadToolset(name); err != nil {
			return errorResult(err), nil
		}
		return textResult(fmt.Sprintf("Unloaded toolset %q.", name)), nil
	default:
		return nil, fmt.Errorf("not a toolset meta-tool: %s", wireName)
	}
}

func (c *ToolsetController) listToolsetsResult() (*mcp.CallToolResult, error) {
	c.mu.Lock()
	names := make([]string, 0, len(c.toolsets))
	for name := range c.toolsets {
		names = append(names, name)
	}
	sort.Strings(names)
	summaries := make([]toolsetSummary, 0, len(names))
	for _, name := range names {
		ts := c.toolsets[name]
		total := 0
		for _, server := range ts.Servers {
			total += c.toolCount(server)
		}
		summaries = append(summaries, toolsetSummary{
			Name:        name,
			Description: ts.Description,
			Loaded:      c.loaded[name],
			Servers:     append([]string(nil), ts.Servers...),
			ToolCount:   total,
		})
	}
	c.mu.Unlock()

	encoded, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(encoded)), nil
}

func (c *ToolsetController) loadedResult(name string) *mcp.CallToolResult {
	c.mu.Lock()
	ts := c.toolsets[name]
	total := 0
	for _, server := range ts.Servers {
		total += c.toolCount(server)
	}
	c.mu.Unlock()
	return textResult(fmt.Sprintf("Loaded toolset %q: servers %v now contribute %d tools.",
		name, ts.Servers, total))
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}
}
