// Package agent drives an LLM through multi-turn tool use against the
// fleet's aggregated tool surface: send, stream, tool_use, tool_result,
// repeat, until a text-only turn or the turn cap.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"pkt.systems/spike"
	"pkt.systems/spike/internal/svcfields"
	"pkt.systems/spike/llm"
)

// DefaultMaxTurns caps one Run's assistant turns.
const DefaultMaxTurns = 20

// Callbacks observe loop progress. All fields are optional.
type Callbacks struct {
	OnTextDelta     func(text string)
	OnToolCall      func(id, name string)
	OnToolCallStart func(id, name, server string, input map[string]any)
	OnToolCallEnd   func(id, result string, isError bool)
	OnTurnStart     func(turn int)
	OnTurnEnd       func()
}

// Loop is the agentic turn machine. Messages is the mutable conversation;
// it is append-only across turns.
type Loop struct {
	Client    llm.ChatClient
	Fleet     *spike.Fleet
	Model     string
	System    string
	MaxTurns  int
	Callbacks Callbacks
	Messages  []llm.Message

	logger pslog.Logger
}

// New builds a loop over the fleet.
func New(client llm.ChatClient, fleet *spike.Fleet, logger pslog.Logger) *Loop {
	return &Loop{
		Client:   client,
		Fleet:    fleet,
		MaxTurns: DefaultMaxTurns,
		logger:   svcfields.WithSubsystem(logger, "agent"),
	}
}

// Run appends the user turn and advances the machine until the model
// stops calling tools or the cap is reached. Tool calls within one
// assistant turn execute serially in emitted order, so an earlier call's
// effect is visible to a dependent sibling.
func (l *Loop) Run(ctx context.Context, userInput string) error {
	maxTurns := l.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	runID := uuid.NewString()
	l.logger.Debug("agent.run.start", "run_id", runID, "max_turns", maxTurns)
	l.Messages = append(l.Messages, llm.TextMessage(llm.RoleUser, userInput))

	for turn := 0; turn < maxTurns; turn++ {
		if l.Callbacks.OnTurnStart != nil {
			l.Callbacks.OnTurnStart(turn)
		}
		catalog := l.Fleet.GetAllTools()
		assistant, err := l.streamOneTurn(ctx, toolDefs(catalog))
		if err != nil {
			return err
		}
		l.Messages = append(l.Messages, assistant)

		toolUses := collectToolUses(assistant)
		if len(toolUses) == 0 {
			if l.Callbacks.OnTurnEnd != nil {
				l.Callbacks.OnTurnEnd()
			}
			l.logger.Debug("agent.run.done", "run_id", runID, "turns", turn+1)
			return nil
		}

		results := make([]llm.Block, 0, len(toolUses))
		for _, use := range toolUses {
			results = append(results, l.executeToolUse(ctx, catalog, use))
		}
		l.Messages = append(l.Messages, llm.Message{Role: llm.RoleUser, Content: results})
	}

	if l.Callbacks.OnTextDelta != nil {
		l.Callbacks.OnTextDelta("\n[Reached maximum turns]\n")
	}
	return nil
}

func (l *Loop) streamOneTurn(ctx context.Context, tools []llm.ToolDef) (llm.Message, error) {
	stream, err := l.Client.CreateStream(ctx, llm.ChatRequest{
		Model:    l.Model,
		System:   l.System,
		Messages: l.Messages,
		Tools:    tools,
	})
	if err != nil {
		return llm.Message{}, fmt.Errorf("agent: create stream: %w", err)
	}
	defer stream.Close()

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			return llm.Message{}, fmt.Errorf("agent: stream: %w", err)
		}
		switch event.Kind {
		case llm.EventTextDelta:
			if l.Callbacks.OnTextDelta != nil {
				l.Callbacks.OnTextDelta(event.Text)
			}
		case llm.EventBlockDone:
			if event.Block != nil && event.Block.Type == llm.BlockToolUse && l.Callbacks.OnToolCall != nil {
				l.Callbacks.OnToolCall(event.Block.ID, event.Block.Name)
			}
		case llm.EventDone:
			return stream.Final()
		}
	}
}

func (l *Loop) executeToolUse(ctx context.Context, catalog []spike.NamespacedTool, use llm.Block) llm.Block {
	server := serverFor(catalog, use.Name)
	if l.Callbacks.OnToolCallStart != nil {
		l.Callbacks.OnToolCallStart(use.ID, use.Name, server, use.Input)
	}

	resultText, isError := l.callTool(ctx, use.Name, use.Input)

	if l.Callbacks.OnToolCallEnd != nil {
		l.Callbacks.OnToolCallEnd(use.ID, resultText, isError)
	}
	return llm.Block{
		Type:      llm.BlockToolResult,
		ToolUseID: use.ID,
		Content:   resultText,
		IsError:   isError,
	}
}

func (l *Loop) callTool(ctx context.Context, name string, input map[string]any) (string, bool) {
	result, err := l.Fleet.CallTool(ctx, name, input)
	if err != nil {
		l.logger.Warn("agent.tool_call.failed", "tool", name, "error", err)
		return "Tool error: " + err.Error(), true
	}
	return joinTextContent(result), result != nil && result.IsError
}

// joinTextContent concatenates the result's text blocks, newline-joined.
// Non-text content is forwarded opaquely elsewhere and skipped here.
func joinTextContent(result *mcp.CallToolResult) string {
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

func collectToolUses(message llm.Message) []llm.Block {
	var uses []llm.Block
	for _, block := range message.Content {
		if block.Type == llm.BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

func serverFor(catalog []spike.NamespacedTool, wireName string) string {
	for _, nt := range catalog {
		if nt.Name == wireName {
			return nt.Server
		}
	}
	return ""
}

// toolDefs translates the catalog to the vendor format, forcing each
// schema's top level to an object schema as the Messages API requires.
func toolDefs(catalog []spike.NamespacedTool) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(catalog))
	for _, nt := range catalog {
		schema := map[string]any{"type": "object"}
		if nt.Tool.InputSchema != nil {
			if encoded, err := json.Marshal(nt.Tool.InputSchema); err == nil {
				var decoded map[string]any
				if json.Unmarshal(encoded, &decoded) == nil && decoded != nil {
					decoded["type"] = "object"
					schema = decoded
				}
			}
		}
		description := nt.Tool.Description
		if description == "" {
			description = nt.Tool.Name
		}
		defs = append(defs, llm.ToolDef{
			Name:        nt.Name,
			Description: fmt.Sprintf("[%s] %s", nt.Server, description),
			InputSchema: schema,
		})
	}
	return defs
}
