// Package mcp exposes the aggregated fleet catalog as a downstream MCP
// server on stdio, streamable-HTTP or SSE transports.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"pkt.systems/spike"
	"pkt.systems/spike/internal/svcfields"
)

// Transport selection for Server.Run.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Config controls the downstream server's runtime behavior.
type Config struct {
	Transport string
	// Port is used by the http and sse transports.
	Port int
	// APIKey, when set, is required in the X-Api-Key header on every MCP
	// request. The /health and /metrics endpoints stay reachable without
	// it.
	APIKey string
	// ShutdownTimeout caps graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config    Config
	Fleet     *spike.Fleet
	Telemetry *spike.Telemetry
	Logger    pslog.Logger
}

// Server is the downstream multiplexer. One protocol server instance is
// shared by every session transport: toolset state is fleet-global, so all
// sessions see the same catalog, and the SDK keeps per-session transports
// isolated underneath it.
type Server struct {
	cfg       Config
	fleet     *spike.Fleet
	telemetry *spike.Telemetry
	logger    pslog.Logger

	mu         sync.Mutex
	proto      *mcpsdk.Server
	registered map[string]bool
}

// NewServer constructs the downstream multiplexer.
func NewServer(req NewServerRequest) (*Server, error) {
	if req.Fleet == nil {
		return nil, errors.New("mcp: fleet is required")
	}
	cfg := req.Config
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		cfg:        cfg,
		fleet:      req.Fleet,
		telemetry:  req.Telemetry,
		logger:     svcfields.WithSubsystem(req.Logger, "mcp"),
		registered: map[string]bool{},
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully. Exit is
// nil on graceful shutdown; closing the fleet is the caller's job.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Transport {
	case TransportStdio:
		return s.runStdio(ctx)
	case TransportHTTP, TransportSSE:
		return s.runHTTP(ctx)
	default:
		return fmt.Errorf("mcp: unknown transport %q", s.cfg.Transport)
	}
}

// protoServer lazily builds the shared protocol server with the current
// catalog registered.
func (s *Server) protoServer() *mcpsdk.Server {
	s.mu.Lock()
	if s.proto == nil {
		s.proto = mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "spike",
			Version: spike.Version,
		}, &mcpsdk.ServerOptions{
			Instructions: "Aggregated MCP tool surface. Tool names are prefixed with their upstream server name.",
		})
	}
	srv := s.proto
	s.mu.Unlock()
	s.SyncCatalog()
	return srv
}

// SyncCatalog reconciles the registered tools against the fleet's current
// catalog. Sessions observe the change through the SDK's list_changed
// notification.
func (s *Server) SyncCatalog() {
	catalog := s.fleet.GetAllTools()

	s.mu.Lock()
	srv := s.proto
	if srv == nil {
		s.mu.Unlock()
		return
	}
	desired := map[string]bool{}
	for _, nt := range catalog {
		desired[nt.Name] = true
	}
	var stale []string
	for name := range s.registered {
		if !desired[name] {
			stale = append(stale, name)
			delete(s.registered, name)
		}
	}
	var fresh []spike.NamespacedTool
	for _, nt := range catalog {
		if !s.registered[nt.Name] {
			fresh = append(fresh, nt)
			s.registered[nt.Name] = true
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		srv.RemoveTools(stale...)
	}
	for _, nt := range fresh {
		srv.AddTool(wireTool(nt), s.forwardHandler(nt.Name))
	}
}

// OnConfigReload is the change sink handed to the config watcher: apply
// the fresh config to the fleet, then re-sync the catalog.
func (s *Server) OnConfigReload(ctx context.Context, cfg *spike.ResolvedConfig) {
	diff := s.fleet.ApplyConfigDiff(ctx, cfg)
	s.logger.Info("mcp.catalog.reloaded",
		"added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)
	s.SyncCatalog()
}

// wireTool maps a catalog entry to the downstream descriptor. The
// description is prefixed with the owning server for traceability; a
// missing upstream description falls back to the original tool name. The
// input schema is forwarded untouched.
func wireTool(nt spike.NamespacedTool) *mcpsdk.Tool {
	body := nt.Tool.Description
	if body == "" {
		body = nt.Tool.Name
	}
	tool := *nt.Tool
	tool.Name = nt.Name
	tool.Description = fmt.Sprintf("[%s] %s", nt.Server, body)
	return &tool
}

// forwardHandler routes a downstream call into the fleet. Every failure is
// converted into a tool result with IsError so the LLM client always
// receives a well-formed result it can reason about.
func (s *Server) forwardHandler(wireName string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := map[string]any{}
		if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
			_ = json.Unmarshal(req.Params.Arguments, &args)
		}
		result, err := s.fleet.CallTool(ctx, wireName, args)
		if err != nil {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "Error: " + err.Error()}},
				IsError: true,
			}, nil
		}
		if toolsets := s.fleet.Toolsets(); toolsets != nil && toolsets.Handles(wireName) {
			// Visibility changed; re-sync so sessions see the new catalog.
			s.SyncCatalog()
		}
		return result, nil
	}
}

func (s *Server) runStdio(ctx context.Context) error {
	srv := s.protoServer()
	s.logger.Info("mcp.stdio.serving")
	err := srv.Run(ctx, &mcpsdk.StdioTransport{})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) runHTTP(ctx context.Context) error {
	mux := s.buildMux()
	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp.http.serving", "transport", s.cfg.Transport, "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("mcp.http.stopped")
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.telemetry != nil {
		mux.Handle("/metrics", s.telemetry.Handler())
	}

	switch s.cfg.Transport {
	case TransportHTTP:
		streamable := mcpsdk.NewStreamableHTTPHandler(func(_ *http.Request) *mcpsdk.Server {
			return s.protoServer()
		}, nil)
		mux.Handle("/mcp", s.requireAPIKey(allowMethods(streamable,
			http.MethodPost, http.MethodGet, http.MethodDelete)))
	case TransportSSE:
		sse := mcpsdk.NewSSEHandler(func(_ *http.Request) *mcpsdk.Server {
			return s.protoServer()
		}, nil)
		// The SDK advertises its message endpoint relative to the stream
		// URL, so /sse takes both the hanging GET and client POSTs;
		// /messages stays as an alias for clients that hardcode it.
		mux.Handle("/sse", s.requireAPIKey(allowMethods(sse, http.MethodGet, http.MethodPost)))
		mux.Handle("/messages", s.requireAPIKey(allowMethods(sse, http.MethodPost)))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "Not found")
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","tools":%d}`+"\n", len(s.fleet.GetAllTools()))
}

func allowMethods(next http.Handler, methods ...string) http.Handler {
	allowed := map[string]bool{}
	for _, m := range methods {
		allowed[m] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowed[r.Method] {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}
