// Package llm defines the streaming-chat abstraction the agent loop
// consumes, together with a vendor-neutral message model. The concrete
// Anthropic Messages implementation lives alongside it; the loop itself
// depends only on ChatClient.
package llm

import "context"

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block kinds within a message's content list.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one tagged content variant of a message.
type Block struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one LLM turn. Content is always the block list form; plain
// text turns are a single text block.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []Block{{Type: BlockText, Text: text}}}
}

// ToolDef describes one tool offered to the model. InputSchema is the
// upstream's schema forwarded opaquely; callers guarantee its top level is
// an object schema.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatRequest is one streaming completion request.
type ChatRequest struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []Message
	Tools     []ToolDef
}

// EventKind discriminates stream events.
type EventKind string

const (
	// EventTextDelta carries an incremental piece of assistant text.
	EventTextDelta EventKind = "text_delta"
	// EventBlockDone signals that one content block finished.
	EventBlockDone EventKind = "block_done"
	// EventDone signals end of stream.
	EventDone EventKind = "done"
)

// StreamEvent is one unit of stream progress.
type StreamEvent struct {
	Kind EventKind
	// Text is set for EventTextDelta.
	Text string
	// Block is set for EventBlockDone: the fully assembled block.
	Block *Block
}

// Stream drains one streaming completion. Next blocks until the next
// event; once the stream has ended it returns EventDone (again on every
// later call), after which Final yields the assembled assistant message.
type Stream interface {
	Next(ctx context.Context) (StreamEvent, error)
	Final() (Message, error)
	Close() error
}

// ChatClient is the single-method abstraction between the agent loop and
// the model vendor.
type ChatClient interface {
	CreateStream(ctx context.Context, req ChatRequest) (Stream, error)
}
