package spike

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type staticTokens struct {
	token AuthToken
	ok    bool
}

func (s staticTokens) Token() (AuthToken, bool) { return s.token, s.ok }

func TestDiscoverLayerPrecedence(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	work := t.TempDir()
	writeFile(t, filepath.Join(home, ConfigFileName), `{
		"mcpServers": {
			"shared": {"command": "global-version"},
			"global-only": {"command": "global"}
		}
	}`)
	writeFile(t, filepath.Join(work, ConfigFileName), `{
		"mcpServers": {"shared": {"command": "project-version"}}
	}`)
	explicit := filepath.Join(work, "extra.json")
	writeFile(t, explicit, `{
		"mcpServers": {"shared": {"command": "explicit-version"}}
	}`)

	cfg, err := Discover(DiscoverOptions{
		HomeDir:    home,
		WorkDir:    work,
		ConfigPath: "extra.json",
		LookupEnv:  func(string) (string, bool) { return "", false },
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := cfg.Servers["shared"].Command; got != "explicit-version" {
		t.Fatalf("later layer did not win: %q", got)
	}
	if _, ok := cfg.Servers["global-only"]; !ok {
		t.Fatal("global-only entry lost in merge")
	}
	if len(cfg.Sources) != 3 {
		t.Fatalf("expected 3 provenance entries, got %v", cfg.Sources)
	}
}

func TestDiscoverInvalidFileSkipped(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	work := t.TempDir()
	writeFile(t, filepath.Join(home, ConfigFileName), `{broken`)
	writeFile(t, filepath.Join(work, ConfigFileName), `{
		"mcpServers": {"ok": {"command": "fine"}}
	}`)

	cfg, err := Discover(DiscoverOptions{HomeDir: home, WorkDir: work})
	if err != nil {
		t.Fatalf("discover must not abort on an invalid layer: %v", err)
	}
	if _, ok := cfg.Servers["ok"]; !ok {
		t.Fatal("valid layer lost")
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("invalid file must not appear in provenance: %v", cfg.Sources)
	}
}

func TestDiscoverInlineAdditions(t *testing.T) {
	t.Parallel()

	cfg, err := Discover(DiscoverOptions{
		HomeDir: t.TempDir(),
		WorkDir: t.TempDir(),
		InlineStdio: []string{
			"vitest=vitest-mcp --stdio --root .",
			"garbage",
		},
		InlineURL: []string{"remote=https://example.test/mcp"},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	vitest := cfg.Servers["vitest"]
	if vitest.Command != "vitest-mcp" {
		t.Fatalf("inline stdio command: %q", vitest.Command)
	}
	if len(vitest.Args) != 3 || vitest.Args[0] != "--stdio" {
		t.Fatalf("inline stdio args: %v", vitest.Args)
	}
	remote := cfg.Servers["remote"]
	if remote.Kind() != TransportHTTP || remote.URL != "https://example.test/mcp" {
		t.Fatalf("inline url entry: %+v", remote)
	}
	if _, ok := cfg.Servers["garbage"]; ok {
		t.Fatal("malformed inline entry must be skipped")
	}
}

func TestDiscoverEnvExpansion(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	writeFile(t, filepath.Join(work, ConfigFileName), `{
		"mcpServers": {
			"srv": {
				"command": "srv",
				"env": {
					"TOKEN": "prefix-${SET_VAR}-suffix",
					"MISSING": "${UNSET_VAR}",
					"PLAIN": "as-is"
				}
			}
		}
	}`)
	cfg, err := Discover(DiscoverOptions{
		HomeDir: t.TempDir(),
		WorkDir: work,
		LookupEnv: func(name string) (string, bool) {
			if name == "SET_VAR" {
				return "value", true
			}
			return "", false
		},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	env := cfg.Servers["srv"].Env
	if env["TOKEN"] != "prefix-value-suffix" {
		t.Fatalf("TOKEN: %q", env["TOKEN"])
	}
	if env["MISSING"] != "" {
		t.Fatalf("unset var must expand empty, got %q", env["MISSING"])
	}
	if env["PLAIN"] != "as-is" {
		t.Fatalf("PLAIN: %q", env["PLAIN"])
	}
}

func TestDiscoverSpikeLandInjection(t *testing.T) {
	t.Parallel()

	cfg, err := Discover(DiscoverOptions{
		HomeDir: t.TempDir(),
		WorkDir: t.TempDir(),
		Tokens: staticTokens{
			token: AuthToken{AccessToken: "tok-123", BaseURL: "https://spike.land/"},
			ok:    true,
		},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	injected, ok := cfg.Servers[SpikeLandServerName]
	if !ok {
		t.Fatal("spike-land not injected")
	}
	if injected.URL != "https://spike.land/api/mcp" {
		t.Fatalf("injected url: %q", injected.URL)
	}
	if injected.Env[AuthTokenEnv] != "tok-123" {
		t.Fatalf("token not threaded: %+v", injected.Env)
	}
}

func TestDiscoverSpikeLandNotInjectedWhenConfigured(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	writeFile(t, filepath.Join(work, ConfigFileName), `{
		"mcpServers": {"spike-land": {"type": "http", "url": "https://own.example/mcp"}}
	}`)
	cfg, err := Discover(DiscoverOptions{
		HomeDir: t.TempDir(),
		WorkDir: work,
		Tokens:  staticTokens{token: AuthToken{AccessToken: "tok", BaseURL: "https://spike.land"}, ok: true},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := cfg.Servers[SpikeLandServerName].URL; got != "https://own.example/mcp" {
		t.Fatalf("explicit spike-land overwritten: %q", got)
	}
}
