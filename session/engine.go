package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"pkt.systems/spike"
	"pkt.systems/spike/apps"
	"pkt.systems/spike/internal/svcfields"
)

// ErrQuit is returned by Execute when the user asked to leave the shell.
var ErrQuit = errors.New("session: quit")

// Built-in slash commands; anything else is a direct tool invocation.
var builtinCommands = []string{"tools", "apps", "servers", "clear", "model", "help", "quit", "exit"}

// Prompter supplies interactively collected values for missing required
// parameters. Ok=false means the user declined, which aborts the call.
type Prompter interface {
	Prompt(param, schemaType string) (value string, ok bool)
}

// ModelSwitcher lets the host surface handle /model; the engine only
// relays the argument.
type ModelSwitcher func(arg string) string

// Engine interprets slash-command input against the fleet catalog and the
// accumulated session state.
type Engine struct {
	fleet    *spike.Fleet
	registry *apps.Registry
	state    *State
	prompter Prompter
	onModel  ModelSwitcher
	logger   pslog.Logger
}

// EngineOptions parameterise NewEngine.
type EngineOptions struct {
	Fleet    *spike.Fleet
	Registry *apps.Registry
	Prompter Prompter
	OnModel  ModelSwitcher
	Logger   pslog.Logger
}

// NewEngine builds an engine with a fresh session state.
func NewEngine(opts EngineOptions) *Engine {
	registry := opts.Registry
	if registry == nil {
		registry = apps.NewRegistry()
	}
	return &Engine{
		fleet:    opts.Fleet,
		registry: registry,
		state:    NewState(),
		prompter: opts.Prompter,
		onModel:  opts.OnModel,
		logger:   svcfields.WithSubsystem(opts.Logger, "session"),
	}
}

// State exposes the session bookkeeping, mainly for tests and the shell
// prompt line.
func (e *Engine) State() *State { return e.state }

// IsCommand reports whether input is slash-command shaped.
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// ParseCommand splits a slash input once at the first space: the command
// token and the trimmed raw argument remainder.
func ParseCommand(input string) (command, rawArgs string) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(input), "/")
	if i := strings.IndexByte(trimmed, ' '); i >= 0 {
		return trimmed[:i], strings.TrimSpace(trimmed[i+1:])
	}
	return trimmed, ""
}

// Execute interprets one slash input and returns the text to display.
// Unknown commands are direct tool invocations.
func (e *Engine) Execute(ctx context.Context, input string) (string, error) {
	command, rawArgs := ParseCommand(input)
	switch command {
	case "":
		return e.helpText(), nil
	case "help":
		return e.helpText(), nil
	case "quit", "exit":
		return "", ErrQuit
	case "clear":
		e.state.Reset()
		return "Session cleared.", nil
	case "model":
		if e.onModel == nil {
			return "No model switching available in this surface.", nil
		}
		return e.onModel(rawArgs), nil
	case "tools":
		return e.renderTools(), nil
	case "apps":
		return e.renderApps(), nil
	case "servers":
		return e.renderServers(), nil
	default:
		return e.invokeTool(ctx, command, rawArgs)
	}
}

func (e *Engine) helpText() string {
	var b strings.Builder
	b.WriteString("Commands: /" + strings.Join(builtinCommands, " /") + "\n")
	b.WriteString("Anything else invokes a tool directly: /<tool> [JSON args]\n")
	return b.String()
}

func (e *Engine) renderTools() string {
	catalog := e.fleet.GetAllTools()
	if len(catalog) == 0 {
		return "No tools available. Are any upstream servers connected?"
	}
	groups := GroupTools(catalog, e.state, e.registry, e.fleet.Separator())
	var b strings.Builder
	for _, group := range groups {
		b.WriteString(group.Render())
	}
	return b.String()
}

func (e *Engine) renderApps() string {
	list := e.registry.Apps()
	if len(list) == 0 {
		return "No apps registered."
	}
	var b strings.Builder
	for _, app := range list {
		fmt.Fprintf(&b, "%s %s — %s (%d tools)\n", app.Icon, app.Name, app.Tagline, len(app.ToolNames))
	}
	return b.String()
}

func (e *Engine) renderServers() string {
	names := e.fleet.ServerNames()
	if len(names) == 0 {
		return "No upstream servers connected."
	}
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s (%d tools)\n", name, e.fleet.ToolCountFor(name))
	}
	return b.String()
}

// Resolution is the outcome of mapping a user token onto the catalog.
type Resolution struct {
	Tool      spike.NamespacedTool
	Ambiguous bool
	// RunnerUp names the next-best fuzzy candidate when Ambiguous.
	RunnerUp string
}

// Resolve maps a user-supplied token to a catalog entry: exact wire name,
// exact original name, exact stripped name, then fuzzy. A fuzzy best
// scoring at least twice the runner-up auto-selects; otherwise the best
// candidate is used but flagged ambiguous.
func (e *Engine) Resolve(token string) (Resolution, error) {
	catalog := e.fleet.GetAllTools()
	sep := e.fleet.Separator()

	for _, tool := range catalog {
		if tool.Name == token {
			return Resolution{Tool: tool}, nil
		}
	}
	for _, tool := range catalog {
		if tool.Tool.Name == token {
			return Resolution{Tool: tool}, nil
		}
	}
	for _, tool := range catalog {
		if spike.StripPrefix(tool.Name, tool.Server, sep) == token {
			return Resolution{Tool: tool}, nil
		}
	}

	type scored struct {
		tool  spike.NamespacedTool
		score float64
	}
	var candidates []scored
	for _, tool := range catalog {
		if score := FuzzyScore(token, tool.Name); score > 0 {
			candidates = append(candidates, scored{tool: tool, score: score})
		}
	}
	if len(candidates) == 0 {
		return Resolution{}, fmt.Errorf("no tool matches %q; try /tools", token)
	}
	if len(candidates) == 1 {
		return Resolution{Tool: candidates[0].tool}, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	best, runnerUp := candidates[0], candidates[1]
	if best.score >= 2*runnerUp.score {
		return Resolution{Tool: best.tool}, nil
	}
	return Resolution{Tool: best.tool, Ambiguous: true, RunnerUp: runnerUp.tool.Name}, nil
}

func (e *Engine) invokeTool(ctx context.Context, token, rawArgs string) (string, error) {
	resolution, err := e.Resolve(token)
	if err != nil {
		return err.Error(), nil
	}
	tool := resolution.Tool
	if resolution.Ambiguous {
		e.logger.Debug("session.resolve.ambiguous",
			"query", token, "picked", tool.Name, "runner_up", resolution.RunnerUp)
	}

	args, abort, err := e.BuildArguments(tool, rawArgs)
	if err != nil {
		return err.Error(), nil
	}
	if abort {
		return "Aborted.", nil
	}

	result, err := e.fleet.CallTool(ctx, tool.Name, args)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	text := joinText(result)
	if !result.IsError {
		sep := e.fleet.Separator()
		stripped := spike.StripPrefix(tool.Name, tool.Server, sep)
		prefix := ExtractPrefix(tool.Name, tool.Server, sep)
		e.state.RecordResult(tool.Name, stripped, prefix, text)
	}
	header := tool.Name
	if resolution.Ambiguous {
		header = fmt.Sprintf("%s (assumed; did you mean %s?)", tool.Name, resolution.RunnerUp)
	}
	return header + "\n" + text, nil
}

// BuildArguments assembles the final argument map: schema defaults,
// overlaid with user-supplied JSON, then identifier auto-fill, then
// interactive prompts for what is still missing. abort=true means the
// user declined a prompt.
func (e *Engine) BuildArguments(tool spike.NamespacedTool, rawArgs string) (args map[string]any, abort bool, err error) {
	user := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &user); err != nil {
			return nil, false, fmt.Errorf("arguments must be a JSON object: %v", err)
		}
	}

	args = propertyDefaults(tool)
	for key, value := range user {
		args[key] = value
	}

	var missing []string
	for _, param := range requiredParams(tool) {
		if _, ok := args[param]; ok {
			continue
		}
		if filled, ok := e.fillIdentifier(param); ok {
			args[param] = filled
			continue
		}
		missing = append(missing, param)
	}
	if len(missing) == 0 {
		return args, false, nil
	}
	if e.prompter == nil {
		return nil, false, fmt.Errorf("missing required parameters %v; pass them as JSON, e.g. /%s {%q: ...}",
			missing, tool.Name, missing[0])
	}
	for _, param := range missing {
		schemaType := propertyType(tool, param)
		answer, ok := e.prompter.Prompt(param, schemaType)
		if !ok || answer == "" {
			return nil, true, nil
		}
		args[param] = coerce(answer, schemaType)
	}
	return args, false, nil
}

// fillIdentifier resolves an identifier-shaped missing parameter from the
// session's observed ids: the exact key first, then the bare "id" pool
// that create results feed.
func (e *Engine) fillIdentifier(param string) (string, bool) {
	if !isIDKey(param) {
		return "", false
	}
	if value, ok := e.state.LatestID(param); ok {
		return value, true
	}
	if param != "id" && strings.HasSuffix(param, "_id") {
		if value, ok := e.state.LatestID("id"); ok {
			return value, true
		}
	}
	return "", false
}

// coerce converts a typed prompt answer per the schema's declared type,
// falling back to the raw string when parsing fails.
func coerce(answer, schemaType string) any {
	switch schemaType {
	case "number":
		if v, err := strconv.ParseFloat(answer, 64); err == nil {
			return v
		}
	case "integer":
		if v, err := strconv.ParseInt(answer, 10, 64); err == nil {
			return v
		}
	case "boolean":
		return answer == "true" || answer == "1"
	case "array", "object":
		var v any
		if err := json.Unmarshal([]byte(answer), &v); err == nil {
			return v
		}
	}
	return answer
}

func joinText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
