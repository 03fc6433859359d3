package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/spike"
)

const statusTimeoutKey = "status.timeout"

type probeResult struct {
	name    string
	tools   int
	latency time.Duration
	err     error
}

func newStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe every configured upstream and report reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := effectiveLogger(baseLogger)
			ctx := cmd.Context()

			cfg, err := discoverConfig(logger)
			if err != nil {
				return err
			}
			if len(cfg.Servers) == 0 {
				return fmt.Errorf("no upstream servers configured")
			}

			timeout := viper.GetDuration(statusTimeoutKey)
			if timeout <= 0 {
				timeout = 10 * time.Second
			}

			names := make([]string, 0, len(cfg.Servers))
			for name := range cfg.Servers {
				names = append(names, name)
			}
			sort.Strings(names)

			results := make([]probeResult, len(names))
			var g errgroup.Group
			for i, name := range names {
				i, name := i, name
				serverCfg := cfg.Servers[name]
				g.Go(func() error {
					results[i] = probeUpstream(ctx, name, serverCfg, timeout, logger)
					return nil
				})
			}
			_ = g.Wait()

			out := cmd.OutOrStdout()
			failed := 0
			for _, res := range results {
				if res.err != nil {
					failed++
					fmt.Fprintf(out, "✗ %-20s %v\n", res.name, res.err)
					continue
				}
				fmt.Fprintf(out, "✓ %-20s %s tools in %s\n",
					res.name, humanize.Comma(int64(res.tools)), res.latency.Round(time.Millisecond))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d upstreams unreachable", failed, len(results))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Duration("timeout", 10*time.Second, "per-upstream connect timeout")
	mustBindFlag(statusTimeoutKey, "SPIKE_STATUS_TIMEOUT", flags.Lookup("timeout"))
	return cmd
}

// probeUpstream wraps one connect attempt in the timeout; the attempt is
// aborted on expiry and reported with an explicit timeout error.
func probeUpstream(ctx context.Context, name string, cfg spike.UpstreamConfig, timeout time.Duration, logger pslog.Logger) probeResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	u := spike.NewUpstream(name, cfg, logger)
	err := u.Connect(probeCtx)
	latency := time.Since(start)
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timeout after %s", timeout)
		}
		return probeResult{name: name, err: err, latency: latency}
	}
	tools := len(u.Tools())
	_ = u.Close()
	return probeResult{name: name, tools: tools, latency: latency}
}
