package session

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"pkt.systems/spike"
)

// entryPointMarkers are substrings of a lowercased wire name that mark a
// tool usable without prior session context.
var entryPointMarkers = []string{"create", "list", "search", "get_status", "bootstrap"}

// configPrereqs maps a gating tool (by original name) to the original
// tool names it gates. A gated tool stays hidden until its gating tool
// has been invoked this session.
var configPrereqs = map[string][]string{
	"set_project_root": {"run_tests", "list_tests", "analyze_coverage"},
}

// IsGatingTool reports whether originalName unlocks other tools.
func IsGatingTool(originalName string) bool {
	_, ok := configPrereqs[originalName]
	return ok
}

// gatedBy returns the gating tool for originalName, if any.
func gatedBy(originalName string) (string, bool) {
	for gate, gated := range configPrereqs {
		for _, name := range gated {
			if name == originalName {
				return gate, true
			}
		}
	}
	return "", false
}

// requiredParams returns the tool schema's required list, in order.
func requiredParams(tool spike.NamespacedTool) []string {
	if tool.Tool == nil || tool.Tool.InputSchema == nil {
		return nil
	}
	return append([]string(nil), tool.Tool.InputSchema.Required...)
}

// requiredIDParams filters requiredParams down to identifier-shaped names.
func requiredIDParams(tool spike.NamespacedTool) []string {
	var ids []string
	for _, name := range requiredParams(tool) {
		if strings.HasSuffix(name, "_id") {
			ids = append(ids, name)
		}
	}
	return ids
}

// propertyDefaults extracts the declared defaults from the schema's
// property nodes. Only properties carrying a default contribute.
func propertyDefaults(tool spike.NamespacedTool) map[string]any {
	defaults := map[string]any{}
	for name, prop := range schemaProperties(tool) {
		if prop == nil || len(prop.Default) == 0 {
			continue
		}
		var value any
		if err := json.Unmarshal(prop.Default, &value); err == nil {
			defaults[name] = value
		}
	}
	return defaults
}

// propertyType returns the declared type of one schema property, empty
// when undeclared.
func propertyType(tool spike.NamespacedTool, name string) string {
	props := schemaProperties(tool)
	if prop, ok := props[name]; ok && prop != nil {
		return prop.Type
	}
	return ""
}

func schemaProperties(tool spike.NamespacedTool) map[string]*jsonschema.Schema {
	if tool.Tool == nil || tool.Tool.InputSchema == nil {
		return nil
	}
	return tool.Tool.InputSchema.Properties
}

// IsEntryPoint reports whether the tool is usable without prior session
// context: a create/list/search/get_status/bootstrap name, or an empty
// required list.
func IsEntryPoint(tool spike.NamespacedTool) bool {
	lower := strings.ToLower(tool.Name)
	for _, marker := range entryPointMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return len(requiredParams(tool)) == 0
}

// IsDependent reports whether any required parameter is identifier-shaped
// and must therefore come from a prior result.
func IsDependent(tool spike.NamespacedTool) bool {
	return len(requiredIDParams(tool)) > 0
}
