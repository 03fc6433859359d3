// Package spike exposes the Go APIs behind the spike MCP aggregator: a
// single binary that federates an arbitrary set of upstream MCP tool
// servers behind one MCP endpoint, presenting the union of their tools
// under a namespaced tool surface.
//
// The root package owns the resolved configuration model, layered config
// discovery with hot reload, the name namespacer, glob tool filtering,
// the upstream connection and fleet manager, the reconnect scheduler and
// the toolset lazy-loading controller. The downstream MCP server lives in
// package mcp, the agentic tool-calling loop in package agent, and the
// session-aware shell engine in package session.
//
// # Running the aggregator
//
//	cfg, err := spike.Discover(spike.DiscoverOptions{})
//	if err != nil { log.Fatal(err) }
//	fleet := spike.NewFleet(spike.FleetOptions{Logger: logger})
//	if err := fleet.ConnectAll(ctx, cfg); err != nil { log.Fatal(err) }
//	defer fleet.CloseAll(context.Background())
//
// Every upstream connects concurrently; a failing upstream is logged and
// isolated, never fatal for the rest of the fleet. Tool names are exposed
// as server<sep>tool (default separator "__") and calls are routed back to
// the owning upstream by greedy longest-prefix parse.
package spike
