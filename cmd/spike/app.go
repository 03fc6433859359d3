package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/spike"
	"pkt.systems/spike/internal/svcfields"
	"pkt.systems/spike/internal/version"
)

const (
	configKey      = "config"
	verboseKey     = "verbose"
	baseURLKey     = "base_url"
	separatorKey   = "separator"
	noPrefixKey    = "no_prefix"
	inlineStdioKey = "stdio"
	inlineURLKey   = "url"
)

func submain(ctx context.Context) int {
	spike.Version = version.Current()
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SPIKE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "spike")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "spike",
		Short:         "Federate MCP tool servers behind a single endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "explicit config file (merged after ~/.mcp.json and ./.mcp.json)")
	flags.BoolP("verbose", "v", false, "enable diagnostic logging to stderr")
	flags.String("base-url", "", "base URL used for auth-related upstream injection")
	flags.String("separator", spike.DefaultSeparator, "separator between server and tool in wire names")
	flags.Bool("no-prefix", false, "skip namespacing; duplicate tool names resolve first-server-wins")
	flags.StringArray("stdio", nil, "inline stdio upstream, name='command arg ...' (repeatable)")
	flags.StringArray("url", nil, "inline HTTP-streaming upstream, name=url (repeatable)")

	mustBindFlag(configKey, "SPIKE_CONFIG", flags.Lookup("config"))
	mustBindFlag(verboseKey, "SPIKE_VERBOSE", flags.Lookup("verbose"))
	mustBindFlag(baseURLKey, "SPIKE_BASE_URL", flags.Lookup("base-url"))
	mustBindFlag(separatorKey, "SPIKE_SEPARATOR", flags.Lookup("separator"))
	mustBindFlag(noPrefixKey, "SPIKE_NO_PREFIX", flags.Lookup("no-prefix"))
	mustBindFlag(inlineStdioKey, "", flags.Lookup("stdio"))
	mustBindFlag(inlineURLKey, "", flags.Lookup("url"))

	root.AddCommand(
		newServeCommand(baseLogger),
		newChatCommand(baseLogger),
		newShellCommand(baseLogger),
		newStatusCommand(baseLogger),
		newVersionCommand(),
	)
	return root
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("missing flag for viper key %q", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// effectiveLogger raises the log floor to debug when --verbose is set.
func effectiveLogger(base pslog.Logger) pslog.Logger {
	if viper.GetBool(verboseKey) {
		return pslog.NewWithOptions(os.Stderr, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.DebugLevel,
		}).With("app", "spike")
	}
	return base
}

// discoverConfig runs layered discovery with the CLI-supplied options.
func discoverConfig(logger pslog.Logger) (*spike.ResolvedConfig, error) {
	return spike.Discover(spike.DiscoverOptions{
		ConfigPath:  viper.GetString(configKey),
		InlineStdio: viper.GetStringSlice(inlineStdioKey),
		InlineURL:   viper.GetStringSlice(inlineURLKey),
		Tokens:      spike.FileTokenSource{},
		Logger:      logger,
	})
}

// connectFleet discovers config, builds the fleet and connects every
// upstream concurrently.
func connectFleet(ctx context.Context, logger pslog.Logger, telemetry *spike.Telemetry, enableReconnect bool) (*spike.Fleet, *spike.ResolvedConfig, error) {
	cfg, err := discoverConfig(logger)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Servers) == 0 {
		svcfields.WithSubsystem(logger, "cli").Warn("cli.no_upstreams_configured",
			"hint", "create "+spike.ConfigFileName+" or pass --stdio/--url")
	}
	fleet := spike.NewFleet(spike.FleetOptions{
		Separator:       viper.GetString(separatorKey),
		NoPrefix:        viper.GetBool(noPrefixKey),
		EnableReconnect: enableReconnect,
		Telemetry:       telemetry,
		Logger:          logger,
	})
	if err := fleet.ConnectAll(ctx, cfg); err != nil {
		return nil, nil, err
	}
	return fleet, cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
