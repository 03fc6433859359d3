package session

import (
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"pkt.systems/spike"
	"pkt.systems/spike/apps"
)

func TestVisibilityGatedPrerequisite(t *testing.T) {
	t.Parallel()

	state := NewState()
	runTests := nt("vitest", "run_tests", objSchema(nil, nil))
	if Visible(runTests, state, "__") {
		t.Fatal("gated tool visible before prerequisite ran")
	}
	state.MarkConfigToolCalled("set_project_root")
	if !Visible(runTests, state, "__") {
		t.Fatal("gated tool hidden after prerequisite ran")
	}
}

func TestVisibilityEntryPointAlwaysVisible(t *testing.T) {
	t.Parallel()

	state := NewState()
	create := nt("chess", "chess_create_game", objSchema(nil, nil))
	if !Visible(create, state, "__") {
		t.Fatal("entry point must be visible in a fresh session")
	}
}

func TestVisibilityDependentNeedsEvidence(t *testing.T) {
	t.Parallel()

	move := nt("chess", "chess_make_move",
		objSchema([]string{"game_id", "from", "to"}, map[string]*jsonschema.Schema{
			"game_id": {Type: "string"},
			"from":    {Type: "string"},
			"to":      {Type: "string"},
		}))

	state := NewState()
	if Visible(move, state, "__") {
		t.Fatal("dependent tool visible without any evidence")
	}

	// Exact-key evidence.
	state.RecordResult("chess__chess_join_game", "chess_join_game", "chess", `{"game_id":"g1"}`)
	if !Visible(move, state, "__") {
		t.Fatal("dependent tool hidden despite exact id evidence")
	}

	// Prefix-created fallback: only a bare "id" observed, but a create
	// happened under the chess prefix.
	state2 := NewState()
	state2.RecordResult("chess__chess_create_game", "chess_create_game", "chess", `{"id":"game_abc"}`)
	if !Visible(move, state2, "__") {
		t.Fatal("dependent tool hidden despite prefix-created evidence")
	}
}

func TestGroupToolsByPrefixWithHiddenSummary(t *testing.T) {
	t.Parallel()

	catalog := []spike.NamespacedTool{
		nt("chess", "chess_create_game", objSchema(nil, nil)),
		nt("chess", "chess_make_move", objSchema([]string{"game_id"}, map[string]*jsonschema.Schema{
			"game_id": {Type: "string"},
		})),
	}
	state := NewState()
	groups := GroupTools(catalog, state, nil, "__")
	if len(groups) != 1 {
		t.Fatalf("expected one prefix group, got %+v", groups)
	}
	group := groups[0]
	if group.Title != "chess" {
		t.Fatalf("title: %q", group.Title)
	}
	if len(group.Tools) != 1 || group.Hidden != 1 {
		t.Fatalf("group: %+v", group)
	}
	rendered := group.Render()
	if !strings.Contains(rendered, "(ready)") {
		t.Fatalf("ready badge missing:\n%s", rendered)
	}
	if !strings.Contains(rendered, "+ 1 more (use entry-point tools first)") {
		t.Fatalf("hidden summary missing:\n%s", rendered)
	}
}

func TestGroupToolsByApp(t *testing.T) {
	t.Parallel()

	registry := apps.NewRegistry()
	catalog := []spike.NamespacedTool{
		nt("chess", "chess_create_game", objSchema(nil, nil)),
		nt("playwright", "navigate", objSchema(nil, nil)),
	}
	groups := GroupTools(catalog, NewState(), registry, "__")
	titles := map[string]bool{}
	for _, group := range groups {
		titles[group.Title] = true
	}
	if !titles["Chess"] || !titles["Playwright"] {
		t.Fatalf("app grouping titles: %v", titles)
	}
}
