package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/spike/agent"
	"pkt.systems/spike/llm"
)

const (
	chatModelKey    = "chat.model"
	chatMaxTurnsKey = "chat.max_turns"
	chatSystemKey   = "chat.system"
)

func newChatCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Drive an LLM through multi-turn tool use against the fleet",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := effectiveLogger(baseLogger)
			ctx := cmd.Context()

			client, err := llm.NewAnthropicClient("")
			if err != nil {
				return err
			}
			fleet, _, err := connectFleet(ctx, logger, nil, true)
			if err != nil {
				return err
			}
			defer fleet.CloseAll(context.Background())

			loop := agent.New(client, fleet, logger)
			loop.Model = viper.GetString(chatModelKey)
			loop.System = viper.GetString(chatSystemKey)
			if turns := viper.GetInt(chatMaxTurnsKey); turns > 0 {
				loop.MaxTurns = turns
			}
			out := cmd.OutOrStdout()
			loop.Callbacks = agent.Callbacks{
				OnTextDelta: func(text string) { fmt.Fprint(out, text) },
				OnToolCallStart: func(id, name, server string, input map[string]any) {
					fmt.Fprintf(os.Stderr, "⚙ %s (%s)\n", name, server)
				},
				OnToolCallEnd: func(id, result string, isError bool) {
					if isError {
						fmt.Fprintf(os.Stderr, "✗ %s\n", firstLine(result))
					}
				},
			}

			if len(args) > 0 {
				if err := loop.Run(ctx, strings.Join(args, " ")); err != nil {
					return err
				}
				fmt.Fprintln(out)
				return nil
			}

			// No prompt on the command line: REPL over stdin.
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "\n> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if err := loop.Run(ctx, line); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringP("model", "m", llm.DefaultModel, "model id for the chat loop")
	flags.Int("max-turns", agent.DefaultMaxTurns, "maximum assistant turns per prompt")
	flags.String("system", "", "system prompt")

	mustBindFlag(chatModelKey, "SPIKE_CHAT_MODEL", flags.Lookup("model"))
	mustBindFlag(chatMaxTurnsKey, "SPIKE_CHAT_MAX_TURNS", flags.Lookup("max-turns"))
	mustBindFlag(chatSystemKey, "SPIKE_CHAT_SYSTEM", flags.Lookup("system"))
	return cmd
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
