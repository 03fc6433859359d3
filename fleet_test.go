package spike

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeTool registers a static-text tool on srv.
func fakeTool(srv *mcpsdk.Server, name string, schema *jsonschema.Schema, reply string) {
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	srv.AddTool(&mcpsdk.Tool{Name: name, InputSchema: schema},
		func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: reply}},
			}, nil
		})
}

func fakeServer(name string) *mcpsdk.Server {
	return mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "0.0.1"}, nil)
}

// fakeDialer serves each named upstream from an in-process MCP server
// over in-memory transports, counting dials per upstream.
type fakeDialer struct {
	mu      sync.Mutex
	servers map[string]*mcpsdk.Server
	dials   map[string]int
}

func newFakeDialer(servers map[string]*mcpsdk.Server) *fakeDialer {
	return &fakeDialer{servers: servers, dials: map[string]int{}}
}

func (d *fakeDialer) dialCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[name]
}

func (d *fakeDialer) dial(name string, _ UpstreamConfig) (mcpsdk.Transport, error) {
	d.mu.Lock()
	srv, ok := d.servers[name]
	d.dials[name]++
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", name)
	}
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	if _, err := srv.Connect(context.Background(), serverTransport, nil); err != nil {
		return nil, err
	}
	return clientTransport, nil
}

func testResolvedConfig(names ...string) *ResolvedConfig {
	cfg := &ResolvedConfig{Servers: map[string]UpstreamConfig{}}
	for _, name := range names {
		cfg.Servers[name] = UpstreamConfig{Type: TransportStdio, Command: "fake-" + name}
	}
	return cfg
}

func newTestFleet(t *testing.T, dialer *fakeDialer, opts FleetOptions, cfg *ResolvedConfig) *Fleet {
	t.Helper()
	opts.Dial = dialer.dial
	fleet := NewFleet(opts)
	if err := fleet.ConnectAll(testContext(t), cfg); err != nil {
		t.Fatalf("connect all: %v", err)
	}
	t.Cleanup(func() { _ = fleet.CloseAll(context.Background()) })
	return fleet
}

func TestFleetCatalogComposition(t *testing.T) {
	vitest := fakeServer("vitest")
	fakeTool(vitest, "run_tests", &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"filter": {Type: "string"}},
	}, "3 tests passed")
	playwright := fakeServer("playwright")
	fakeTool(playwright, "navigate", &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"url": {Type: "string"}},
	}, "ok")

	dialer := newFakeDialer(map[string]*mcpsdk.Server{"vitest": vitest, "playwright": playwright})
	fleet := newTestFleet(t, dialer, FleetOptions{}, testResolvedConfig("vitest", "playwright"))

	tools := fleet.GetAllTools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	byName := map[string]NamespacedTool{}
	for _, nt := range tools {
		byName[nt.Name] = nt
	}
	run, ok := byName["vitest__run_tests"]
	if !ok {
		t.Fatalf("missing vitest__run_tests in %v", byName)
	}
	if run.Server != "vitest" || run.Tool.Name != "run_tests" {
		t.Fatalf("bad tagging: %+v", run)
	}
	if _, ok := byName["playwright__navigate"]; !ok {
		t.Fatalf("missing playwright__navigate in %v", byName)
	}
}

func TestFleetCallToolRoutesToOwner(t *testing.T) {
	vitest := fakeServer("vitest")
	fakeTool(vitest, "run_tests", nil, "3 tests passed")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"vitest": vitest})
	fleet := newTestFleet(t, dialer, FleetOptions{}, testResolvedConfig("vitest"))

	result, err := fleet.CallTool(testContext(t), "vitest__run_tests", map[string]any{"filter": "*.ts"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	text := result.Content[0].(*mcpsdk.TextContent).Text
	if text != "3 tests passed" {
		t.Fatalf("got %q", text)
	}
}

func TestFleetCallToolErrors(t *testing.T) {
	vitest := fakeServer("vitest")
	fakeTool(vitest, "run_tests", nil, "ok")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"vitest": vitest})
	fleet := newTestFleet(t, dialer, FleetOptions{}, testResolvedConfig("vitest"))

	ctx := testContext(t)
	if _, err := fleet.CallTool(ctx, "nosuch__tool", nil); err == nil {
		t.Fatal("expected CannotResolve")
	} else {
		var cannot *CannotResolveError
		if !errors.As(err, &cannot) {
			t.Fatalf("expected CannotResolveError, got %T: %v", err, err)
		}
	}
	if _, err := fleet.CallTool(ctx, "vitest__missing", nil); err == nil {
		t.Fatal("expected ToolNotFound")
	} else {
		var notFound *ToolNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("expected ToolNotFoundError, got %T: %v", err, err)
		}
	}
}

func TestFleetGreedyPrefixRouting(t *testing.T) {
	short := fakeServer("test")
	fakeTool(short, "server__do_thing", nil, "short wins?")
	long := fakeServer("test_server")
	fakeTool(long, "do_thing", nil, "long wins")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"test": short, "test_server": long})
	fleet := newTestFleet(t, dialer, FleetOptions{}, testResolvedConfig("test", "test_server"))

	result, err := fleet.CallTool(testContext(t), "test_server__do_thing", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if text := result.Content[0].(*mcpsdk.TextContent).Text; text != "long wins" {
		t.Fatalf("greedy parse routed to the wrong upstream: %q", text)
	}
}

func TestFleetFilterApplied(t *testing.T) {
	srv := fakeServer("files")
	for _, name := range []string{"read_file", "write_file", "search_code", "dangerous_delete", "run_tests"} {
		fakeTool(srv, name, nil, name)
	}
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"files": srv})
	cfg := testResolvedConfig("files")
	entry := cfg.Servers["files"]
	entry.Tools = &ToolFilterConfig{Allowed: []string{"read_*", "write_*"}, Blocked: []string{"write_*"}}
	cfg.Servers["files"] = entry
	fleet := newTestFleet(t, dialer, FleetOptions{}, cfg)

	tools := fleet.GetAllTools()
	if len(tools) != 1 || tools[0].Name != "files__read_file" {
		t.Fatalf("filter not applied: %+v", tools)
	}
	if _, err := fleet.CallTool(testContext(t), "files__write_file", nil); err == nil {
		t.Fatal("filtered tool must not be callable")
	}
}

func TestFleetNoPrefixFirstServerWins(t *testing.T) {
	a := fakeServer("alpha")
	fakeTool(a, "shared", nil, "from alpha")
	b := fakeServer("beta")
	fakeTool(b, "shared", nil, "from beta")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"alpha": a, "beta": b})
	fleet := newTestFleet(t, dialer, FleetOptions{NoPrefix: true}, testResolvedConfig("alpha", "beta"))

	result, err := fleet.CallTool(testContext(t), "shared", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	// ConnectAll inserts in sorted name order, so alpha wins.
	if text := result.Content[0].(*mcpsdk.TextContent).Text; text != "from alpha" {
		t.Fatalf("got %q", text)
	}
	tools := fleet.GetAllTools()
	for _, nt := range tools {
		if strings.Contains(nt.Name, DefaultSeparator) {
			t.Fatalf("noPrefix catalog still namespaced: %q", nt.Name)
		}
	}
}

func TestFleetConnectFailureIsolated(t *testing.T) {
	healthy := fakeServer("healthy")
	fakeTool(healthy, "ping", nil, "pong")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"healthy": healthy})
	// "broken" has no fake server, so its dial fails.
	fleet := newTestFleet(t, dialer, FleetOptions{}, testResolvedConfig("healthy", "broken"))

	if got := fleet.ConnectedCount(); got != 1 {
		t.Fatalf("expected 1 connected upstream, got %d", got)
	}
	if _, err := fleet.CallTool(testContext(t), "healthy__ping", nil); err != nil {
		t.Fatalf("healthy upstream unusable after sibling failure: %v", err)
	}
	var notConnected *ServerNotConnectedError
	if _, err := fleet.CallTool(testContext(t), "broken__ping", nil); !errors.As(err, &notConnected) {
		t.Fatalf("expected ServerNotConnectedError, got %v", err)
	}
}

func TestFleetToolsetVisibility(t *testing.T) {
	github := fakeServer("github-mcp")
	fakeTool(github, "create_issue", nil, "ok")
	vitest := fakeServer("vitest")
	fakeTool(vitest, "run_tests", nil, "ok")
	playwright := fakeServer("playwright")
	fakeTool(playwright, "navigate", nil, "ok")

	dialer := newFakeDialer(map[string]*mcpsdk.Server{
		"github-mcp": github, "vitest": vitest, "playwright": playwright,
	})
	cfg := testResolvedConfig("github-mcp", "vitest", "playwright")
	cfg.LazyLoading = true
	cfg.Toolsets = map[string]ToolsetConfig{
		"github":  {Servers: []string{"github-mcp"}},
		"testing": {Servers: []string{"vitest", "playwright"}},
	}
	fleet := newTestFleet(t, dialer, FleetOptions{}, cfg)
	toolsets := fleet.Toolsets()
	if toolsets == nil {
		t.Fatal("toolset controller not attached")
	}

	if toolsets.IsServerVisible("github-mcp") {
		t.Fatal("github-mcp visible before load")
	}
	if err := toolsets.LoadToolset("github"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !toolsets.IsServerVisible("github-mcp") {
		t.Fatal("github-mcp hidden after load")
	}
	if toolsets.IsServerVisible("vitest") {
		t.Fatal("vitest visible without its toolset loaded")
	}

	// Hidden servers contribute nothing but the meta-tools.
	names := map[string]bool{}
	for _, nt := range fleet.GetAllTools() {
		names[nt.Name] = true
	}
	if !names["github-mcp__create_issue"] {
		t.Fatalf("loaded toolset's tool missing: %v", names)
	}
	if names["vitest__run_tests"] {
		t.Fatalf("unloaded toolset's tool leaked: %v", names)
	}
	for _, meta := range []string{MetaToolListToolsets, MetaToolLoadToolset, MetaToolUnloadToolset} {
		if !names[meta] {
			t.Fatalf("meta-tool %s missing from catalog", meta)
		}
	}

	var notLoaded *ToolsetNotLoadedError
	if _, err := fleet.CallTool(testContext(t), "vitest__run_tests", nil); !errors.As(err, &notLoaded) {
		t.Fatalf("expected ToolsetNotLoadedError, got %v", err)
	}
}

func TestFleetMetaToolDelegation(t *testing.T) {
	vitest := fakeServer("vitest")
	fakeTool(vitest, "run_tests", nil, "ok")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"vitest": vitest})
	cfg := testResolvedConfig("vitest")
	cfg.LazyLoading = true
	cfg.Toolsets = map[string]ToolsetConfig{"testing": {Servers: []string{"vitest"}}}
	fleet := newTestFleet(t, dialer, FleetOptions{}, cfg)

	ctx := testContext(t)
	result, err := fleet.CallTool(ctx, MetaToolLoadToolset, map[string]any{"name": "testing"})
	if err != nil {
		t.Fatalf("meta call: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %+v", result)
	}
	if _, err := fleet.CallTool(ctx, "vitest__run_tests", nil); err != nil {
		t.Fatalf("tool unusable after load: %v", err)
	}

	result, err = fleet.CallTool(ctx, MetaToolUnloadToolset, map[string]any{"name": "nosuch"})
	if err != nil {
		t.Fatalf("meta call: %v", err)
	}
	if !result.IsError {
		t.Fatal("unload of unknown toolset must return isError")
	}
}

func TestFleetApplyConfigDiffIdentity(t *testing.T) {
	vitest := fakeServer("vitest")
	fakeTool(vitest, "run_tests", nil, "ok")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"vitest": vitest})
	cfg := testResolvedConfig("vitest")
	fleet := newTestFleet(t, dialer, FleetOptions{}, cfg)

	before := dialer.dialCount("vitest")
	diff := fleet.ApplyConfigDiff(testContext(t), cfg)
	if len(diff.Added)+len(diff.Removed)+len(diff.Changed) != 0 {
		t.Fatalf("identity diff not empty: %+v", diff)
	}
	if dialer.dialCount("vitest") != before {
		t.Fatal("identity diff reconnected an unchanged upstream")
	}
}

func TestFleetApplyConfigDiffChange(t *testing.T) {
	srv := fakeServer("srv")
	fakeTool(srv, "work", nil, "ok")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"srv": srv})
	oldCfg := &ResolvedConfig{Servers: map[string]UpstreamConfig{
		"srv": {Type: TransportStdio, Command: "v1"},
	}}
	fleet := newTestFleet(t, dialer, FleetOptions{}, oldCfg)

	newCfg := &ResolvedConfig{Servers: map[string]UpstreamConfig{
		"srv": {Type: TransportStdio, Command: "v2"},
	}}
	before := dialer.dialCount("srv")
	diff := fleet.ApplyConfigDiff(testContext(t), newCfg)
	if len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Fatalf("unexpected add/remove: %+v", diff)
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != "srv" {
		t.Fatalf("expected changed=[srv], got %+v", diff)
	}
	if got := dialer.dialCount("srv") - before; got != 1 {
		t.Fatalf("expected exactly one reconnect, got %d", got)
	}
}

func TestFleetApplyConfigDiffAddRemove(t *testing.T) {
	a := fakeServer("a")
	fakeTool(a, "t", nil, "ok")
	b := fakeServer("b")
	fakeTool(b, "t", nil, "ok")
	dialer := newFakeDialer(map[string]*mcpsdk.Server{"a": a, "b": b})
	fleet := newTestFleet(t, dialer, FleetOptions{}, testResolvedConfig("a"))

	diff := fleet.ApplyConfigDiff(testContext(t), testResolvedConfig("b"))
	if len(diff.Added) != 1 || diff.Added[0] != "b" {
		t.Fatalf("expected added=[b], got %+v", diff)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "a" {
		t.Fatalf("expected removed=[a], got %+v", diff)
	}
	names := fleet.ServerNames()
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("fleet membership after diff: %v", names)
	}
}

func TestFleetDisconnectUnknownIsNoop(t *testing.T) {
	dialer := newFakeDialer(map[string]*mcpsdk.Server{})
	fleet := NewFleet(FleetOptions{Dial: dialer.dial})
	if err := fleet.DisconnectServer("ghost"); err != nil {
		t.Fatalf("disconnect unknown: %v", err)
	}
}
