package spike

import (
	"regexp"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolFilterConfig carries the per-upstream allow/block glob patterns.
// Patterns are anchored and support the wildcard '*' only; every other
// regex metacharacter is matched literally.
type ToolFilterConfig struct {
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// FilterTools applies cfg to the advertised tool list. A nil config or one
// with neither list present returns the input unchanged. When allowed is
// non-empty only matching tools are retained; blocked patterns then drop
// survivors.
func FilterTools(tools []*mcp.Tool, cfg *ToolFilterConfig) []*mcp.Tool {
	if cfg == nil || (len(cfg.Allowed) == 0 && len(cfg.Blocked) == 0) {
		return tools
	}
	out := make([]*mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		if len(cfg.Allowed) > 0 && !matchAnyGlob(cfg.Allowed, tool.Name) {
			continue
		}
		if len(cfg.Blocked) > 0 && matchAnyGlob(cfg.Blocked, tool.Name) {
			continue
		}
		out = append(out, tool)
	}
	return out
}

func matchAnyGlob(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if globRegexp(pattern).MatchString(name) {
			return true
		}
	}
	return false
}

func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
