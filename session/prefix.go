package session

import (
	"strings"

	"pkt.systems/spike"
)

// ExtractPrefix derives the grouping prefix of a wire name: strip the
// owning server's namespace, then take everything before the first '_'.
// A name with no underscore keeps itself as prefix, which deliberately
// overlaps with the no-namespace case; the behavior is isolated here so
// it stays testable on its own.
func ExtractPrefix(wireName, server, sep string) string {
	stripped := spike.StripPrefix(wireName, server, sep)
	if i := strings.IndexByte(stripped, '_'); i >= 0 {
		return stripped[:i]
	}
	return stripped
}
