package session

import (
	"fmt"
	"sort"
	"strings"

	"pkt.systems/spike"
	"pkt.systems/spike/apps"
)

// Visible decides whether one catalog entry should be shown to the user
// or model right now:
//
//  1. gated by an un-called configuration prerequisite → hidden;
//  2. entry point → visible;
//  3. dependent: visible when every required identifier has been observed,
//     or, failing that, when a create has been recorded under the tool's
//     prefix;
//  4. everything else → visible.
func Visible(tool spike.NamespacedTool, state *State, sep string) bool {
	stripped := spike.StripPrefix(tool.Name, tool.Server, sep)
	if gate, ok := gatedBy(stripped); ok && !state.ConfigToolCalled(gate) {
		return false
	}
	if IsEntryPoint(tool) {
		return true
	}
	if IsDependent(tool) {
		all := true
		for _, param := range requiredIDParams(tool) {
			if _, ok := state.LatestID(param); !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
		prefix := ExtractPrefix(tool.Name, tool.Server, sep)
		return state.HasCreated(prefix)
	}
	return true
}

// ToolLine is one visible catalog entry prepared for display.
type ToolLine struct {
	Name string
	// Ready flags tools with no required parameters.
	Ready bool
}

// Group is a display bucket of visible tools plus the count of tools the
// visibility algorithm hid.
type Group struct {
	Title  string
	Tools  []ToolLine
	Hidden int
}

// Render formats the group the way the shell prints it.
func (g Group) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", g.Title)
	for _, line := range g.Tools {
		if line.Ready {
			fmt.Fprintf(&b, "  %s (ready)\n", line.Name)
		} else {
			fmt.Fprintf(&b, "  %s\n", line.Name)
		}
	}
	if g.Hidden > 0 {
		fmt.Fprintf(&b, "  + %d more (use entry-point tools first)\n", g.Hidden)
	}
	return b.String()
}

// GroupTools buckets the catalog for display: by app when the registry
// resolves owners, by prefix otherwise. Group order is alphabetical by
// title; tool order follows the catalog.
func GroupTools(catalog []spike.NamespacedTool, state *State, registry *apps.Registry, sep string) []Group {
	type bucket struct {
		tools  []ToolLine
		hidden int
	}
	buckets := map[string]*bucket{}
	titled := func(title string) *bucket {
		b, ok := buckets[title]
		if !ok {
			b = &bucket{}
			buckets[title] = b
		}
		return b
	}

	for _, tool := range catalog {
		stripped := spike.StripPrefix(tool.Name, tool.Server, sep)
		title := ""
		if registry != nil {
			if app, ok := registry.ByTool(tool.Tool.Name); ok {
				title = app.Name
			} else if app, ok := registry.ByTool(stripped); ok {
				title = app.Name
			}
		}
		if title == "" {
			title = ExtractPrefix(tool.Name, tool.Server, sep)
		}
		b := titled(title)
		if !Visible(tool, state, sep) {
			b.hidden++
			continue
		}
		b.tools = append(b.tools, ToolLine{
			Name:  tool.Name,
			Ready: len(requiredParams(tool)) == 0,
		})
	}

	titles := make([]string, 0, len(buckets))
	for title := range buckets {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	groups := make([]Group, 0, len(titles))
	for _, title := range titles {
		b := buckets[title]
		groups = append(groups, Group{Title: title, Tools: b.tools, Hidden: b.hidden})
	}
	return groups
}
