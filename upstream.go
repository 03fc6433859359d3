package spike

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"pkt.systems/spike/internal/svcfields"
)

// Version is the implementation version reported over MCP; the CLI sets
// it from internal/version at startup.
var Version = "0.0.0-dev"

// ErrNotConnected is returned by Upstream.CallTool before a successful
// Connect or after Close.
var ErrNotConnected = errors.New("upstream not connected")

// Upstream owns one upstream MCP connection: its transport, the client
// session, and the last-known tool list. Instances are owned exclusively
// by the Fleet; no caller may retain one across a disconnect.
type Upstream struct {
	name      string
	cfg       UpstreamConfig
	dial      DialFunc
	session   *mcp.ClientSession
	connected bool
	tools     []*mcp.Tool
	logger    pslog.Logger
}

// DialFunc builds the transport for one upstream. The default derives it
// from the config variant; embedders and tests may substitute their own
// (for example an in-memory transport pair).
type DialFunc func(name string, cfg UpstreamConfig) (mcp.Transport, error)

// NewUpstream builds a disconnected upstream for name.
func NewUpstream(name string, cfg UpstreamConfig, logger pslog.Logger) *Upstream {
	return NewUpstreamWithDialer(name, cfg, nil, logger)
}

// NewUpstreamWithDialer builds a disconnected upstream with a custom
// transport dialer. A nil dial falls back to the config-derived default.
func NewUpstreamWithDialer(name string, cfg UpstreamConfig, dial DialFunc, logger pslog.Logger) *Upstream {
	return &Upstream{
		name:   name,
		cfg:    cfg,
		dial:   dial,
		logger: svcfields.WithSubsystem(ensureLogger(logger), "upstream").With("server", name),
	}
}

// Name returns the configured upstream name.
func (u *Upstream) Name() string { return u.name }

// Config returns the upstream's config.
func (u *Upstream) Config() UpstreamConfig { return u.cfg }

// Connected reports whether the session is live.
func (u *Upstream) Connected() bool { return u.connected }

// Connect establishes the transport chosen by the config variant and
// issues the initial tools/list. A successful connect that yields zero
// tools is a soft warning, typically an authentication failure; the
// upstream stays in the fleet as an empty contributor.
func (u *Upstream) Connect(ctx context.Context) error {
	var transport mcp.Transport
	var err error
	if u.dial != nil {
		transport, err = u.dial(u.name, u.cfg)
	} else {
		transport, err = u.buildTransport()
	}
	if err != nil {
		return err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "spike", Version: Version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		if hint := authHint(err); hint != "" {
			u.logger.Warn("upstream.connect.auth_failed", "hint", hint, "error", err)
		}
		return fmt.Errorf("connect %s: %w", u.name, err)
	}
	u.session = session
	u.connected = true

	tools, err := u.listAllTools(ctx)
	if err != nil {
		_ = session.Close()
		u.session = nil
		u.connected = false
		return fmt.Errorf("list tools %s: %w", u.name, err)
	}
	u.tools = tools
	if len(tools) == 0 {
		u.logger.Warn("upstream.connect.zero_tools",
			"hint", "zero tools often means a rejected credential; check "+AuthTokenEnv)
	} else {
		u.logger.Debug("upstream.connected", "tools", len(tools))
	}
	return nil
}

func (u *Upstream) listAllTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	cursor := ""
	for {
		params := &mcp.ListToolsParams{}
		if cursor != "" {
			params.Cursor = cursor
		}
		res, err := u.session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// Tools returns the tool list cached at connect time.
func (u *Upstream) Tools() []*mcp.Tool {
	out := make([]*mcp.Tool, len(u.tools))
	copy(out, u.tools)
	return out
}

// CallTool forwards a call to the upstream and returns the result
// verbatim, including IsError. The name must be the upstream-local tool
// name, not the namespaced wire name.
func (u *Upstream) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if !u.connected || u.session == nil {
		return nil, fmt.Errorf("%s: %w", u.name, ErrNotConnected)
	}
	if args == nil {
		args = map[string]any{}
	}
	return u.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Close tears the session down. Safe to call on a never-connected or
// already-closed upstream.
func (u *Upstream) Close() error {
	u.connected = false
	u.tools = nil
	if u.session == nil {
		return nil
	}
	session := u.session
	u.session = nil
	return session.Close()
}

// Wait blocks until the session terminates, returning its exit error.
// Used by the fleet to observe unexpected disconnects.
func (u *Upstream) Wait() error {
	if u.session == nil {
		return nil
	}
	return u.session.Wait()
}

func (u *Upstream) buildTransport() (mcp.Transport, error) {
	switch u.cfg.Kind() {
	case TransportStdio:
		if strings.TrimSpace(u.cfg.Command) == "" {
			return nil, fmt.Errorf("upstream %s: stdio requires a command", u.name)
		}
		cmd := exec.Command(u.cfg.Command, u.cfg.Args...)
		cmd.Env = childEnv(u.cfg.Env)
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   u.cfg.URL,
			HTTPClient: httpClientFor(u.cfg),
		}, nil
	default:
		return &mcp.StreamableClientTransport{
			Endpoint:   u.cfg.URL,
			HTTPClient: httpClientFor(u.cfg),
		}, nil
	}
}

// childEnv builds the narrowest inherited environment for a stdio child:
// PATH plus the runtime-minimum variables, overlaid with the config's env.
// Config values were frozen at discovery time.
func childEnv(overlay map[string]string) []string {
	keep := []string{"PATH", "HOME", "TMPDIR", "LANG"}
	merged := make(map[string]string, len(keep)+len(overlay))
	for _, key := range keep {
		if value, ok := os.LookupEnv(key); ok {
			merged[key] = value
		}
	}
	for key, value := range overlay {
		merged[key] = value
	}
	env := make([]string, 0, len(merged))
	for key, value := range merged {
		env = append(env, key+"="+value)
	}
	return env
}

func httpClientFor(cfg UpstreamConfig) *http.Client {
	token := strings.TrimSpace(cfg.Env[AuthTokenEnv])
	if token == "" {
		return http.DefaultClient
	}
	return &http.Client{Transport: &bearerRoundTripper{token: token, base: http.DefaultTransport}}
}

// bearerRoundTripper injects Authorization: Bearer on every request.
type bearerRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+rt.token)
	return rt.base.RoundTrip(cloned)
}

// authHint recognises authentication-like connect failures and names the
// env variable the operator most likely needs to set.
func authHint(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(strings.ToLower(msg), "unauthorized") {
		return "set " + AuthTokenEnv + " in the upstream's env to authenticate"
	}
	return ""
}
