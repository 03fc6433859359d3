package spike

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/spike/internal/svcfields"
)

// ConfigFileName is the per-directory config file consulted by discovery.
const ConfigFileName = ".mcp.json"

// SpikeLandServerName is the upstream name reserved for the synthetic
// spike-land entry injected when an auth token is available.
const SpikeLandServerName = "spike-land"

// DiscoverOptions parameterises config discovery. Zero values resolve to
// the process environment: home directory, working directory, os.LookupEnv.
type DiscoverOptions struct {
	// HomeDir and WorkDir anchor the global and project .mcp.json layers.
	HomeDir string
	WorkDir string
	// ConfigPath is an explicit config file, resolved against WorkDir.
	ConfigPath string
	// InlineStdio entries have the form "name=command arg arg..."; the
	// command string is whitespace-split.
	InlineStdio []string
	// InlineURL entries have the form "name=url" and are recorded as
	// HTTP-streaming upstreams.
	InlineURL []string
	// Tokens supplies the optional credential used to inject the
	// spike-land upstream. Nil disables injection.
	Tokens TokenSource
	// LookupEnv resolves ${VAR} references in upstream env maps.
	LookupEnv func(string) (string, bool)
	Logger    pslog.Logger
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Discover merges the config layers into a ResolvedConfig. Later layers win
// on key conflict: global file, project file, explicit file, inline stdio
// additions, inline URL additions. Invalid files are warned about and
// skipped; they never abort discovery.
func Discover(opts DiscoverOptions) (*ResolvedConfig, error) {
	logger := svcfields.WithSubsystem(ensureLogger(opts.Logger), "config.discovery")
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	resolved := &ResolvedConfig{
		Servers:  map[string]UpstreamConfig{},
		Toolsets: map[string]ToolsetConfig{},
	}

	for _, path := range configLayerPaths(opts) {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("config.layer.unreadable", "path", path, "error", err)
			}
			continue
		}
		cfg, err := parseConfigFile(data)
		if err != nil {
			logger.Warn("config.layer.invalid", "path", path, "error", err)
			continue
		}
		for name, server := range cfg.MCPServers {
			resolved.Servers[name] = server
		}
		for name, toolset := range cfg.Toolsets {
			resolved.Toolsets[name] = toolset
		}
		if cfg.LazyLoading != nil {
			resolved.LazyLoading = *cfg.LazyLoading
		}
		resolved.Sources = append(resolved.Sources, path)
	}

	for _, entry := range opts.InlineStdio {
		name, command, err := splitInlineEntry(entry)
		if err != nil {
			logger.Warn("config.inline.invalid", "entry", entry, "error", err)
			continue
		}
		fields := strings.Fields(command)
		if len(fields) == 0 {
			logger.Warn("config.inline.invalid", "entry", entry, "error", "empty command")
			continue
		}
		resolved.Servers[name] = UpstreamConfig{
			Type:    TransportStdio,
			Command: fields[0],
			Args:    fields[1:],
		}
	}
	for _, entry := range opts.InlineURL {
		name, url, err := splitInlineEntry(entry)
		if err != nil {
			logger.Warn("config.inline.invalid", "entry", entry, "error", err)
			continue
		}
		resolved.Servers[name] = UpstreamConfig{Type: TransportHTTP, URL: url}
	}

	expandServerEnv(resolved, lookup, logger)
	injectSpikeLand(resolved, opts.Tokens, logger)

	return resolved, nil
}

func configLayerPaths(opts DiscoverOptions) []string {
	var paths []string
	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home != "" {
		paths = append(paths, filepath.Join(home, ConfigFileName))
	}
	cwd := opts.WorkDir
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	if cwd != "" {
		paths = append(paths, filepath.Join(cwd, ConfigFileName))
	}
	if explicit := strings.TrimSpace(opts.ConfigPath); explicit != "" {
		if !filepath.IsAbs(explicit) && cwd != "" {
			explicit = filepath.Join(cwd, explicit)
		}
		paths = append(paths, explicit)
	}
	return paths
}

func splitInlineEntry(entry string) (name, value string, err error) {
	eq := strings.IndexByte(entry, '=')
	if eq <= 0 {
		return "", "", fmt.Errorf("expected name=value")
	}
	name = strings.TrimSpace(entry[:eq])
	value = strings.TrimSpace(entry[eq+1:])
	if name == "" || value == "" {
		return "", "", fmt.Errorf("expected name=value")
	}
	return name, value, nil
}

// expandServerEnv resolves ${VAR} references in every upstream's env map
// against the process environment. Environment values are frozen here, at
// discovery time; later process-env mutations do not leak into running
// upstreams.
func expandServerEnv(resolved *ResolvedConfig, lookup func(string) (string, bool), logger pslog.Logger) {
	for name, server := range resolved.Servers {
		if len(server.Env) == 0 {
			continue
		}
		expanded := make(map[string]string, len(server.Env))
		for key, value := range server.Env {
			expanded[key] = envRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
				varName := envRefPattern.FindStringSubmatch(ref)[1]
				resolvedValue, ok := lookup(varName)
				if !ok {
					logger.Warn("config.env.unset_variable",
						"server", name, "env_key", key, "variable", varName)
					return ""
				}
				return resolvedValue
			})
		}
		server.Env = expanded
		resolved.Servers[name] = server
	}
}

func injectSpikeLand(resolved *ResolvedConfig, tokens TokenSource, logger pslog.Logger) {
	if tokens == nil {
		return
	}
	if _, exists := resolved.Servers[SpikeLandServerName]; exists {
		return
	}
	token, ok := tokens.Token()
	if !ok || !token.Valid() {
		return
	}
	base := strings.TrimRight(token.BaseURL, "/")
	if base == "" {
		return
	}
	resolved.Servers[SpikeLandServerName] = UpstreamConfig{
		Type: TransportHTTP,
		URL:  base + "/api/mcp",
		Env:  map[string]string{AuthTokenEnv: token.AccessToken},
	}
	logger.Debug("config.spike_land.injected", "url", base+"/api/mcp")
}
