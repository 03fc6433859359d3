package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesEndpoint = "/v1/messages"
	apiVersion       = "2023-06-01"

	// DefaultModel is used when the caller does not pick one.
	DefaultModel = "claude-sonnet-4-5"
	// DefaultMaxTokens bounds one assistant turn.
	DefaultMaxTokens = 4096

	// APIKeyEnv is the environment variable consulted when no key is
	// supplied explicitly.
	APIKeyEnv = "ANTHROPIC_API_KEY"
)

// AnthropicClient implements ChatClient against the Anthropic Messages
// API. It speaks the wire protocol directly; no vendor SDK.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// AnthropicOption mutates client construction.
type AnthropicOption func(*AnthropicClient)

// WithBaseURL points the client at a non-default endpoint.
func WithBaseURL(url string) AnthropicOption {
	return func(c *AnthropicClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient swaps the HTTP client.
func WithHTTPClient(hc *http.Client) AnthropicOption {
	return func(c *AnthropicClient) { c.httpClient = hc }
}

// NewAnthropicClient builds a client. An empty apiKey falls back to
// APIKeyEnv.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) (*AnthropicClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv(APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm: no API key; set %s", APIKeyEnv)
	}
	c := &AnthropicClient{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type anthropicRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Stream    bool            `json:"stream"`
	Messages  []wireMessage   `json:"messages"`
	Tools     []anthropicTool `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// wireMessage flattens Message for the Messages API: the content list is
// emitted as tagged block objects.
type wireMessage struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// CreateStream implements ChatClient.
func (c *AnthropicClient) CreateStream(ctx context.Context, req ChatRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Stream:    true,
		Messages:  make([]wireMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool(tool))
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesEndpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	return newSSEStream(resp.Body), nil
}
