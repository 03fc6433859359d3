// Package apps maps tool names to the app metadata used when grouping the
// catalog for display. A bundled list ships with the binary; a well-known
// upstream tool can refresh it at runtime.
package apps

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/spike"
)

// RefreshToolName is the original (un-namespaced) name of the upstream
// tool that serves the live app catalog.
const RefreshToolName = "store_list_apps_with_tools"

// AppInfo describes one app and the tools it owns.
type AppInfo struct {
	Slug      string   `json:"slug"`
	Name      string   `json:"name"`
	Icon      string   `json:"icon,omitempty"`
	Category  string   `json:"category,omitempty"`
	Tagline   string   `json:"tagline,omitempty"`
	ToolNames []string `json:"toolNames"`
}

// Registry holds the app list plus the two lookup indices, rebuilt
// atomically on refresh.
type Registry struct {
	mu     sync.RWMutex
	apps   []AppInfo
	byTool map[string]*AppInfo
	bySlug map[string]*AppInfo
}

// bundled is the compiled-in app list used until a remote refresh
// succeeds.
var bundled = []AppInfo{
	{
		Slug:      "chess",
		Name:      "Chess",
		Icon:      "♟",
		Category:  "games",
		Tagline:   "Play chess against the engine",
		ToolNames: []string{"chess_create_game", "chess_make_move", "chess_get_board", "chess_resign"},
	},
	{
		Slug:      "vitest",
		Name:      "Vitest",
		Icon:      "✓",
		Category:  "testing",
		Tagline:   "Run and inspect vitest suites",
		ToolNames: []string{"run_tests", "list_tests", "analyze_coverage", "set_project_root"},
	},
	{
		Slug:      "playwright",
		Name:      "Playwright",
		Icon:      "🎭",
		Category:  "testing",
		Tagline:   "Drive a browser",
		ToolNames: []string{"navigate", "screenshot", "click", "fill"},
	},
	{
		Slug:      "store",
		Name:      "App Store",
		Icon:      "🛍",
		Category:  "platform",
		Tagline:   "Discover and install apps",
		ToolNames: []string{"store_search_apps", "store_list_apps_with_tools", "store_install_app"},
	},
}

// NewRegistry builds a registry over the bundled list.
func NewRegistry() *Registry {
	r := &Registry{}
	r.replace(bundled)
	return r
}

func (r *Registry) replace(apps []AppInfo) {
	copied := make([]AppInfo, len(apps))
	copy(copied, apps)
	byTool := make(map[string]*AppInfo)
	bySlug := make(map[string]*AppInfo)
	for i := range copied {
		app := &copied[i]
		bySlug[app.Slug] = app
		for _, tool := range app.ToolNames {
			byTool[tool] = app
		}
	}
	r.mu.Lock()
	r.apps = copied
	r.byTool = byTool
	r.bySlug = bySlug
	r.mu.Unlock()
}

// Apps returns the current list.
func (r *Registry) Apps() []AppInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AppInfo, len(r.apps))
	copy(out, r.apps)
	return out
}

// ByTool resolves the owning app for an original tool name.
func (r *Registry) ByTool(toolName string) (AppInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.byTool[toolName]
	if !ok {
		return AppInfo{}, false
	}
	return *app, true
}

// BySlug resolves an app by its slug.
func (r *Registry) BySlug(slug string) (AppInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.bySlug[slug]
	if !ok {
		return AppInfo{}, false
	}
	return *app, true
}

// RefreshFromRemote replaces the registry from the well-known store tool
// when the fleet exposes it. Every failure mode — tool missing, call
// errored, parse failure, empty list — leaves the existing registry in
// place; the refresh is best-effort only.
func (r *Registry) RefreshFromRemote(ctx context.Context, fleet *spike.Fleet) {
	wireName := ""
	for _, nt := range fleet.GetAllTools() {
		if nt.Tool.Name == RefreshToolName || strings.HasSuffix(nt.Name, RefreshToolName) {
			wireName = nt.Name
			break
		}
	}
	if wireName == "" {
		return
	}
	result, err := fleet.CallTool(ctx, wireName, map[string]any{})
	if err != nil || result == nil || result.IsError {
		return
	}
	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	var apps []AppInfo
	if err := json.Unmarshal([]byte(text.String()), &apps); err != nil {
		return
	}
	if len(apps) == 0 {
		return
	}
	r.replace(apps)
}
