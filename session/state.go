// Package session implements the REPL-side visibility engine: slash
// command parsing, identifier tracking, prerequisite gating, fuzzy tool
// resolution and argument assembly over the fleet's aggregated catalog.
package session

import (
	"encoding/json"
	"strings"
	"sync"
)

// createdSentinel marks a successful create whose result carried no
// recognisable identifier.
const createdSentinel = "_created"

// identifier keys harvested from create/bootstrap results.
var createdIDKeys = []string{"id", "game_id", "player_id", "app_id", "session_id"}

// State is the in-process, per-REPL-session bookkeeping. All three maps
// are append-only within a session; Reset starts a fresh session.
type State struct {
	mu sync.Mutex
	// created maps tool prefix to the identifiers observed when a
	// create/bootstrap tool succeeded.
	created map[string][]string
	// idsByKey maps a parameter-ish key (anything ending in _id, plus
	// bare id) to every string value observed under it.
	idsByKey map[string][]string
	// configToolsCalled holds original tool names recognised as
	// configuration prerequisites that have been invoked.
	configToolsCalled map[string]bool
}

// NewState returns an empty session.
func NewState() *State {
	return &State{
		created:           map[string][]string{},
		idsByKey:          map[string][]string{},
		configToolsCalled: map[string]bool{},
	}
}

// Reset drops all accumulated session knowledge.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = map[string][]string{}
	s.idsByKey = map[string][]string{}
	s.configToolsCalled = map[string]bool{}
}

// LatestID returns the most recently observed identifier for exactly key.
func (s *State) LatestID(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.idsByKey[key]
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

// HasCreated reports whether any create has been recorded under prefix.
func (s *State) HasCreated(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created[prefix]) > 0
}

// ConfigToolCalled reports whether the named prerequisite tool ran.
func (s *State) ConfigToolCalled(originalName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configToolsCalled[originalName]
}

// MarkConfigToolCalled records a configuration prerequisite invocation.
func (s *State) MarkConfigToolCalled(originalName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configToolsCalled[originalName] = true
}

// isIDKey reports whether key is identifier-shaped: bare "id" or any
// *_id suffix.
func isIDKey(key string) bool {
	return key == "id" || strings.HasSuffix(key, "_id")
}

// RecordResult harvests identifiers from a successful tool result. Errors
// are never recorded; the caller gates on success.
//
// Three layers of bookkeeping:
//   - every top-level string value under an identifier-shaped key feeds
//     idsByKey;
//   - a create/bootstrap wire name records the result's well-known ids
//     (or the sentinel) under the tool's prefix;
//   - a configuration prerequisite marks itself called.
func (s *State) RecordResult(wireName, strippedName, prefix, resultText string) {
	var payload map[string]any
	parsed := json.Unmarshal([]byte(resultText), &payload) == nil

	s.mu.Lock()
	if parsed {
		for key, value := range payload {
			text, ok := value.(string)
			if !ok || !isIDKey(key) {
				continue
			}
			s.idsByKey[key] = append(s.idsByKey[key], text)
		}
	}
	lower := strings.ToLower(wireName)
	if strings.Contains(lower, "create") || strings.Contains(lower, "bootstrap") {
		var ids []string
		if parsed {
			for _, key := range createdIDKeys {
				if text, ok := payload[key].(string); ok {
					ids = append(ids, text)
				}
			}
		}
		if len(ids) == 0 {
			ids = []string{createdSentinel}
		}
		s.created[prefix] = append(s.created[prefix], ids...)
	}
	s.mu.Unlock()

	if IsGatingTool(strippedName) {
		s.MarkConfigToolCalled(strippedName)
	}
}
