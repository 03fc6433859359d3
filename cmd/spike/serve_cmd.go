package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/spike"
	spikemcp "pkt.systems/spike/mcp"
)

const (
	serveTransportKey = "serve.transport"
	servePortKey      = "serve.port"
	serveAPIKeyKey    = "serve.api_key"
	serveWatchKey     = "serve.watch"
)

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the aggregated catalog as a downstream MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := effectiveLogger(baseLogger)
			ctx := cmd.Context()

			telemetry := spike.NewTelemetry()
			fleet, cfg, err := connectFleet(ctx, logger, telemetry, true)
			if err != nil {
				return err
			}
			defer fleet.CloseAll(context.Background())

			server, err := spikemcp.NewServer(spikemcp.NewServerRequest{
				Config: spikemcp.Config{
					Transport: viper.GetString(serveTransportKey),
					Port:      viper.GetInt(servePortKey),
					APIKey:    viper.GetString(serveAPIKeyKey),
				},
				Fleet:     fleet,
				Telemetry: telemetry,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			if viper.GetBool(serveWatchKey) && len(cfg.Sources) > 0 {
				watcher, err := spike.WatchConfig(cfg.Sources, 0, func() {
					fresh, err := discoverConfig(logger)
					if err != nil {
						logger.Warn("config.reload.discover_failed", "error", err)
						return
					}
					server.OnConfigReload(ctx, fresh)
				}, logger)
				if err != nil {
					logger.Warn("config.watch.unavailable", "error", err)
				} else {
					defer watcher.Close()
				}
			}

			return server.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringP("transport", "t", spikemcp.TransportStdio, "downstream transport: stdio, http or sse")
	flags.IntP("port", "p", 8848, "listen port for http and sse transports")
	flags.String("api-key", "", "require this X-Api-Key header on MCP requests")
	flags.Bool("watch", true, "hot-reload config files on change")

	mustBindFlag(serveTransportKey, "SPIKE_SERVE_TRANSPORT", flags.Lookup("transport"))
	mustBindFlag(servePortKey, "SPIKE_SERVE_PORT", flags.Lookup("port"))
	mustBindFlag(serveAPIKeyKey, "SPIKE_SERVE_API_KEY", flags.Lookup("api-key"))
	mustBindFlag(serveWatchKey, "SPIKE_SERVE_WATCH", flags.Lookup("watch"))
	return cmd
}
