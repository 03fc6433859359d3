package spike

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/spike/internal/svcfields"
)

// NamespacedTool pairs an upstream tool descriptor with its owning server
// and the flat wire name exposed downstream.
type NamespacedTool struct {
	Server string
	Name   string
	Tool   *mcp.Tool
}

// ConfigDiff reports the outcome of ApplyConfigDiff. Added reflects only
// upstreams that actually connected.
type ConfigDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

// FleetOptions parameterise NewFleet.
type FleetOptions struct {
	// Separator between server and tool in wire names; DefaultSeparator
	// when empty.
	Separator string
	// NoPrefix skips namespacing; collisions then follow first-server-wins
	// in CallTool lookup order.
	NoPrefix bool
	// EnableReconnect arms the backoff scheduler for upstreams that fail
	// or drop unexpectedly.
	EnableReconnect bool
	// Dial overrides transport construction for every upstream; nil uses
	// the config-derived default.
	Dial      DialFunc
	Telemetry *Telemetry
	Logger    pslog.Logger
}

// Fleet owns the collection of upstream connections, their configs and the
// optional toolset controller. All structural mutation of the upstream map
// is serialised behind one mutex; callers may invoke fleet operations
// concurrently.
type Fleet struct {
	mu        sync.Mutex
	upstreams map[string]*Upstream
	order     []string
	configs   map[string]UpstreamConfig
	closing   bool

	sep       string
	noPrefix  bool
	dial      DialFunc
	toolsets  *ToolsetController
	scheduler *ReconnectScheduler
	telemetry *Telemetry
	logger    pslog.Logger
	baseLog   pslog.Logger
}

// NewFleet builds an empty fleet.
func NewFleet(opts FleetOptions) *Fleet {
	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	f := &Fleet{
		upstreams: map[string]*Upstream{},
		configs:   map[string]UpstreamConfig{},
		sep:       sep,
		noPrefix:  opts.NoPrefix,
		dial:      opts.Dial,
		telemetry: opts.Telemetry,
		logger:    svcfields.WithSubsystem(ensureLogger(opts.Logger), "fleet"),
		baseLog:   ensureLogger(opts.Logger),
	}
	if opts.EnableReconnect {
		f.scheduler = NewReconnectScheduler(0, 0, 0, f.reconnectForScheduler, opts.Logger)
	}
	return f
}

// Separator returns the fleet's wire-name separator.
func (f *Fleet) Separator() string { return f.sep }

// Toolsets returns the attached toolset controller, nil when lazy loading
// is disabled.
func (f *Fleet) Toolsets() *ToolsetController { return f.toolsets }

// ConnectAll creates one upstream per configured entry and connects them
// concurrently. Per-upstream failures are logged and isolated; the call
// succeeds as long as the attempt settled for every upstream. When the
// resolved config enables lazy loading, a toolset controller is attached.
func (f *Fleet) ConnectAll(ctx context.Context, cfg *ResolvedConfig) error {
	if cfg.LazyLoading && len(cfg.Toolsets) > 0 {
		f.toolsets = NewToolsetController(cfg.Toolsets, f.ToolCountFor, f.baseLog)
	}

	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	// Register names up front so catalog and first-server-wins ordering
	// stay deterministic regardless of connect completion order.
	f.mu.Lock()
	for _, name := range names {
		f.configs[name] = cfg.Servers[name]
		f.ensureOrderLocked(name)
	}
	f.mu.Unlock()

	var g errgroup.Group
	var okCount sync.Map
	for _, name := range names {
		name := name
		serverCfg := cfg.Servers[name]
		g.Go(func() error {
			if err := f.connectOne(ctx, name, serverCfg); err != nil {
				f.logger.Warn("fleet.connect.failed", "server", name, "error", err)
				if f.scheduler != nil {
					f.scheduler.ScheduleReconnect(context.WithoutCancel(ctx), name, serverCfg)
				}
				return nil
			}
			okCount.Store(name, struct{}{})
			return nil
		})
	}
	_ = g.Wait()

	connected := 0
	okCount.Range(func(_, _ any) bool { connected++; return true })
	f.telemetry.setConnected(f.ConnectedCount())
	f.logger.Info("fleet.connect.summary", "connected", connected, "attempted", len(names))
	return nil
}

// connectOne builds, connects and registers a single upstream.
func (f *Fleet) connectOne(ctx context.Context, name string, cfg UpstreamConfig) error {
	u := NewUpstreamWithDialer(name, cfg, f.dial, f.baseLog)
	if err := u.Connect(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	if existing, ok := f.upstreams[name]; ok {
		// A concurrent reconnect raced us; drop the older session.
		_ = existing.Close()
	}
	f.ensureOrderLocked(name)
	f.upstreams[name] = u
	f.configs[name] = cfg
	f.mu.Unlock()

	go f.watchUpstream(name, u, cfg)
	return nil
}

// watchUpstream observes the session until it terminates. Deliberate
// closes remove the upstream from the map first, so only unexpected drops
// reach the scheduler.
func (f *Fleet) watchUpstream(name string, u *Upstream, cfg UpstreamConfig) {
	err := u.Wait()
	f.mu.Lock()
	current, ok := f.upstreams[name]
	unexpected := ok && current == u && !f.closing
	if unexpected {
		delete(f.upstreams, name)
		f.removeFromOrder(name)
	}
	f.mu.Unlock()
	if !unexpected {
		return
	}
	f.telemetry.setConnected(f.ConnectedCount())
	f.logger.Warn("fleet.upstream.disconnected", "server", name, "error", err)
	if f.scheduler != nil {
		f.scheduler.ScheduleReconnect(context.Background(), name, cfg)
	}
}

func (f *Fleet) ensureOrderLocked(name string) {
	for _, n := range f.order {
		if n == name {
			return
		}
	}
	f.order = append(f.order, name)
}

func (f *Fleet) removeFromOrder(name string) {
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			return
		}
	}
}

func (f *Fleet) reconnectForScheduler(ctx context.Context, name string, cfg UpstreamConfig) error {
	return f.Reconnect(ctx, name, cfg)
}

// Reconnect closes any existing upstream under name and connects a fresh
// one. Used by the operator and the reconnect scheduler.
func (f *Fleet) Reconnect(ctx context.Context, name string, cfg UpstreamConfig) error {
	f.mu.Lock()
	if existing, ok := f.upstreams[name]; ok {
		delete(f.upstreams, name)
		f.removeFromOrder(name)
		_ = existing.Close()
	}
	f.mu.Unlock()

	err := f.connectOne(ctx, name, cfg)
	f.telemetry.setConnected(f.ConnectedCount())
	return err
}

// DisconnectServer closes and removes the named upstream. Unknown names
// are a no-op.
func (f *Fleet) DisconnectServer(name string) error {
	f.mu.Lock()
	u, ok := f.upstreams[name]
	if ok {
		delete(f.upstreams, name)
		f.removeFromOrder(name)
	}
	delete(f.configs, name)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	err := u.Close()
	f.telemetry.setConnected(f.ConnectedCount())
	f.logger.Info("fleet.upstream.disconnected_by_request", "server", name)
	return err
}

// ServerNames returns the fleet's upstream names in insertion order.
func (f *Fleet) ServerNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// ConnectedCount reports how many upstreams hold a live session.
func (f *Fleet) ConnectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, u := range f.upstreams {
		if u.Connected() {
			count++
		}
	}
	return count
}

// ToolCountFor reports the filtered tool count contributed by one server,
// ignoring toolset visibility. Feeds the toolset controller's summaries.
func (f *Fleet) ToolCountFor(server string) int {
	f.mu.Lock()
	u, ok := f.upstreams[server]
	cfg := f.configs[server]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	return len(FilterTools(u.Tools(), cfg.Tools))
}

// GetAllTools returns the aggregated catalog in stable fleet order: for
// each visible upstream the filtered, namespaced tools, followed by the
// toolset meta-tools under the synthetic server name. The catalog reflects
// the state of the upstreams at the moment of the query.
func (f *Fleet) GetAllTools() []NamespacedTool {
	f.mu.Lock()
	order := append([]string(nil), f.order...)
	upstreams := make(map[string]*Upstream, len(f.upstreams))
	configs := make(map[string]UpstreamConfig, len(f.configs))
	for name, u := range f.upstreams {
		upstreams[name] = u
		configs[name] = f.configs[name]
	}
	f.mu.Unlock()

	var out []NamespacedTool
	for _, server := range order {
		u := upstreams[server]
		if u == nil || !u.Connected() {
			continue
		}
		if f.toolsets != nil && !f.toolsets.IsServerVisible(server) {
			continue
		}
		for _, tool := range FilterTools(u.Tools(), configs[server].Tools) {
			name := tool.Name
			if !f.noPrefix {
				name = Namespace(server, tool.Name, f.sep)
			}
			out = append(out, NamespacedTool{Server: server, Name: name, Tool: tool})
		}
	}
	if f.toolsets != nil {
		for _, meta := range f.toolsets.MetaTools() {
			out = append(out, NamespacedTool{Server: MetaServerName, Name: meta.Name, Tool: meta})
		}
	}
	return out
}

// CallTool routes a wire name to the owning upstream and forwards the
// call, preserving the entire result object including IsError. Resolution
// order: toolset meta-tools, then (in noPrefix mode) first-server-wins
// lookup, otherwise greedy namespace parse.
func (f *Fleet) CallTool(ctx context.Context, wireName string, args map[string]any) (*mcp.CallToolResult, error) {
	correlation := xid.New().String()
	log := f.logger.With("corr", correlation, "tool", wireName)

	if f.toolsets != nil && f.toolsets.Handles(wireName) {
		log.Debug("fleet.call.meta_tool")
		return f.toolsets.CallMetaTool(ctx, wireName, args)
	}

	server, localName, err := f.resolveCall(wireName)
	if err != nil {
		f.telemetry.recordCall("", "unresolved")
		return nil, err
	}

	f.mu.Lock()
	u, ok := f.upstreams[server]
	f.mu.Unlock()
	if !ok {
		f.telemetry.recordCall(server, "not_connected")
		return nil, &ServerNotConnectedError{Server: server}
	}

	log.Debug("fleet.call.dispatch", "server", server, "local_tool", localName)
	result, err := u.CallTool(ctx, localName, args)
	switch {
	case err != nil:
		f.telemetry.recordCall(server, "transport_error")
		log.Warn("fleet.call.failed", "server", server, "error", err)
	case result != nil && result.IsError:
		f.telemetry.recordCall(server, "tool_error")
	default:
		f.telemetry.recordCall(server, "ok")
	}
	return result, err
}

// resolveCall maps a wire name to (server, upstream-local tool name).
func (f *Fleet) resolveCall(wireName string) (server, localName string, err error) {
	f.mu.Lock()
	order := append([]string(nil), f.order...)
	upstreams := make(map[string]*Upstream, len(f.upstreams))
	configs := make(map[string]UpstreamConfig, len(f.configs))
	for name, u := range f.upstreams {
		upstreams[name] = u
		configs[name] = f.configs[name]
	}
	f.mu.Unlock()

	if f.noPrefix {
		for _, name := range order {
			u := upstreams[name]
			if u == nil {
				continue
			}
			if f.toolsets != nil && !f.toolsets.IsServerVisible(name) {
				continue
			}
			for _, tool := range FilterTools(u.Tools(), configs[name].Tools) {
				if tool.Name == wireName {
					return name, wireName, nil
				}
			}
		}
		return "", "", &ToolNotFoundError{Name: wireName}
	}

	parsedServer, parsedTool, ok := ParseNamespaced(wireName, order, f.sep)
	if !ok {
		// Also consider configured-but-disconnected servers so the caller
		// gets the more precise error.
		var known []string
		f.mu.Lock()
		for name := range f.configs {
			known = append(known, name)
		}
		f.mu.Unlock()
		if s, _, ok2 := ParseNamespaced(wireName, known, f.sep); ok2 {
			return "", "", &ServerNotConnectedError{Server: s}
		}
		return "", "", &CannotResolveError{Name: wireName}
	}
	if f.toolsets != nil && !f.toolsets.IsServerVisible(parsedServer) {
		return "", "", &ToolsetNotLoadedError{Server: parsedServer}
	}
	u := upstreams[parsedServer]
	if u == nil {
		return "", "", &ServerNotConnectedError{Server: parsedServer}
	}
	for _, tool := range FilterTools(u.Tools(), configs[parsedServer].Tools) {
		if tool.Name == parsedTool {
			return parsedServer, parsedTool, nil
		}
	}
	return "", "", &ToolNotFoundError{Name: wireName}
}

// ApplyConfigDiff reconciles the fleet against a freshly resolved config.
// Removed upstreams are disconnected, added ones connected (failures
// logged; Added reflects only successes), changed ones reconnected.
// Change detection is structural equality over the serialized configs.
func (f *Fleet) ApplyConfigDiff(ctx context.Context, cfg *ResolvedConfig) ConfigDiff {
	f.mu.Lock()
	old := make(map[string]UpstreamConfig, len(f.configs))
	for name, c := range f.configs {
		old[name] = c
	}
	f.mu.Unlock()

	var diff ConfigDiff
	for name := range old {
		if _, ok := cfg.Servers[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	var added, changed []string
	for name, next := range cfg.Servers {
		prev, ok := old[name]
		switch {
		case !ok:
			added = append(added, name)
		case !prev.Equal(next):
			changed = append(changed, name)
		}
	}
	sort.Strings(diff.Removed)
	sort.Strings(added)
	sort.Strings(changed)

	for _, name := range diff.Removed {
		if err := f.DisconnectServer(name); err != nil {
			f.logger.Warn("fleet.reload.disconnect_failed", "server", name, "error", err)
		}
	}
	for _, name := range added {
		serverCfg := cfg.Servers[name]
		f.mu.Lock()
		f.configs[name] = serverCfg
		f.mu.Unlock()
		if err := f.connectOne(ctx, name, serverCfg); err != nil {
			f.logger.Warn("fleet.reload.connect_failed", "server", name, "error", err)
			continue
		}
		diff.Added = append(diff.Added, name)
	}
	for _, name := range changed {
		serverCfg := cfg.Servers[name]
		if err := f.Reconnect(ctx, name, serverCfg); err != nil {
			f.logger.Warn("fleet.reload.reconnect_failed", "server", name, "error", err)
		}
		diff.Changed = append(diff.Changed, name)
	}

	if f.toolsets != nil {
		f.toolsets.Replace(cfg.Toolsets)
	}
	f.telemetry.setConnected(f.ConnectedCount())
	f.telemetry.recordReload()
	f.logger.Info("fleet.reload.applied",
		"added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	return diff
}

// CloseAll disconnects every upstream concurrently and cancels pending
// reconnects. One slow close must not block another.
func (f *Fleet) CloseAll(ctx context.Context) error {
	if f.scheduler != nil {
		f.scheduler.CancelAll()
	}
	f.mu.Lock()
	f.closing = true
	upstreams := make([]*Upstream, 0, len(f.upstreams))
	for _, u := range f.upstreams {
		upstreams = append(upstreams, u)
	}
	f.upstreams = map[string]*Upstream{}
	f.order = nil
	f.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	var errs []string
	var errMu sync.Mutex
	for _, u := range upstreams {
		u := u
		g.Go(func() error {
			if err := u.Close(); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", u.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	f.telemetry.setConnected(0)
	if len(errs) > 0 {
		return fmt.Errorf("close fleet: %s", strings.Join(errs, "; "))
	}
	return nil
}
