package mcp

import "net/http"

// requireAPIKey guards MCP endpoints with the configured key. The
// comparison is constant-time over equal-length inputs: a length check
// first, then byte-by-byte equality that does not short-circuit on
// mismatch.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	if s.cfg.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeEqual(r.Header.Get("X-Api-Key"), s.cfg.APIKey) {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	var diff byte
	for i := 0; i < len(want); i++ {
		diff |= got[i] ^ want[i]
	}
	return diff == 0
}
