package spike

import "fmt"

// ToolNotFoundError reports a wire name that resolved to an upstream which
// does not advertise the tool (or filtered it out).
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// CannotResolveError reports a wire name whose namespace prefix matches no
// known upstream.
type CannotResolveError struct {
	Name string
}

func (e *CannotResolveError) Error() string {
	return fmt.Sprintf("cannot resolve tool name %q to a connected server", e.Name)
}

// ServerNotConnectedError reports a call routed to an upstream that is not
// in the fleet.
type ServerNotConnectedError struct {
	Server string
}

func (e *ServerNotConnectedError) Error() string {
	return fmt.Sprintf("server %q is not connected", e.Server)
}

// ToolsetNotLoadedError reports a call against a server hidden by toolset
// visibility. The caller should load one of the containing toolsets first.
type ToolsetNotLoadedError struct {
	Server string
}

func (e *ToolsetNotLoadedError) Error() string {
	return fmt.Sprintf("server %q is hidden; load one of its toolsets with %s first", e.Server, MetaToolLoadToolset)
}
