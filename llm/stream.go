package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// sseStream drains an Anthropic Messages SSE body into StreamEvents and
// assembles the final assistant message as it goes.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	blocks  []Block
	current *blockBuilder
	done    bool
	err     error
}

type blockBuilder struct {
	kind        string
	id          string
	name        string
	text        strings.Builder
	partialJSON strings.Builder
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

// rawEvent is the wire shape of one Anthropic SSE data payload.
type rawEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index,omitempty"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Next returns the next stream event. It parses SSE data lines until one
// of them yields an externally visible event.
func (s *sseStream) Next(ctx context.Context) (StreamEvent, error) {
	if s.err != nil {
		return StreamEvent{}, s.err
	}
	if s.done {
		return StreamEvent{Kind: EventDone}, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			s.err = err
			return StreamEvent{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				s.err = fmt.Errorf("llm: stream read: %w", err)
				return StreamEvent{}, s.err
			}
			// EOF without message_stop still terminates the stream.
			s.done = true
			return StreamEvent{Kind: EventDone}, nil
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		event, visible, err := s.handleData([]byte(data))
		if err != nil {
			s.err = err
			return StreamEvent{}, err
		}
		if visible {
			return event, nil
		}
	}
}

func (s *sseStream) handleData(data []byte) (StreamEvent, bool, error) {
	var event rawEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return StreamEvent{}, false, fmt.Errorf("llm: decode stream event: %w", err)
	}
	switch event.Type {
	case "content_block_start":
		var block struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if event.ContentBlock != nil {
			_ = json.Unmarshal(event.ContentBlock, &block)
		}
		s.current = &blockBuilder{kind: block.Type, id: block.ID, name: block.Name}
		return StreamEvent{}, false, nil

	case "content_block_delta":
		var delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		}
		if event.Delta != nil {
			_ = json.Unmarshal(event.Delta, &delta)
		}
		if s.current == nil {
			return StreamEvent{}, false, nil
		}
		switch delta.Type {
		case "text_delta":
			s.current.text.WriteString(delta.Text)
			return StreamEvent{Kind: EventTextDelta, Text: delta.Text}, true, nil
		case "input_json_delta":
			s.current.partialJSON.WriteString(delta.PartialJSON)
		}
		return StreamEvent{}, false, nil

	case "content_block_stop":
		if s.current == nil {
			return StreamEvent{}, false, nil
		}
		block, err := s.current.finish()
		s.current = nil
		if err != nil {
			return StreamEvent{}, false, err
		}
		s.blocks = append(s.blocks, block)
		return StreamEvent{Kind: EventBlockDone, Block: &block}, true, nil

	case "message_stop":
		s.done = true
		return StreamEvent{Kind: EventDone}, true, nil

	case "error":
		msg := "stream error"
		if event.Error != nil {
			msg = event.Error.Message
		}
		return StreamEvent{}, false, fmt.Errorf("llm: %s", msg)
	}
	// message_start, message_delta, ping: nothing externally visible.
	return StreamEvent{}, false, nil
}

func (b *blockBuilder) finish() (Block, error) {
	switch b.kind {
	case "tool_use":
		input := map[string]any{}
		if raw := b.partialJSON.String(); strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return Block{}, fmt.Errorf("llm: tool_use input for %s: %w", b.name, err)
			}
		}
		return Block{Type: BlockToolUse, ID: b.id, Name: b.name, Input: input}, nil
	default:
		return Block{Type: BlockText, Text: b.text.String()}, nil
	}
}

// Final returns the assembled assistant message. Valid after EventDone.
func (s *sseStream) Final() (Message, error) {
	if s.err != nil {
		return Message{}, s.err
	}
	if !s.done {
		return Message{}, fmt.Errorf("llm: stream not drained")
	}
	return Message{Role: RoleAssistant, Content: append([]Block(nil), s.blocks...)}, nil
}

// Close releases the HTTP body.
func (s *sseStream) Close() error {
	return s.body.Close()
}
