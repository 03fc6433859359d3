package spike

import (
	"sort"
	"strings"
)

// DefaultSeparator joins an upstream name and a tool name into the flat
// wire name exposed downstream.
const DefaultSeparator = "__"

// Namespace builds the wire name for a tool owned by server. An empty
// separator falls back to DefaultSeparator. Empty tool names are permitted;
// the result is then server+sep.
func Namespace(server, tool, sep string) string {
	if sep == "" {
		sep = DefaultSeparator
	}
	return server + sep + tool
}

// ParseNamespaced splits a wire name back into (server, tool). The search is
// greedy: known servers are tried longest first, so a server name that is a
// literal prefix of another ("test" vs "test_server") never shadows the
// longer one. Returns ok=false when no known server prefix matches.
func ParseNamespaced(wireName string, knownServers []string, sep string) (server, tool string, ok bool) {
	if sep == "" {
		sep = DefaultSeparator
	}
	sorted := make([]string, len(knownServers))
	copy(sorted, knownServers)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, s := range sorted {
		prefix := s + sep
		if strings.HasPrefix(wireName, prefix) {
			return s, wireName[len(prefix):], true
		}
	}
	return "", "", false
}

// StripPrefix removes server's namespace prefix from wireName when present,
// otherwise it returns wireName unchanged.
func StripPrefix(wireName, server, sep string) string {
	if sep == "" {
		sep = DefaultSeparator
	}
	prefix := server + sep
	if strings.HasPrefix(wireName, prefix) {
		return wireName[len(prefix):]
	}
	return wireName
}
