package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/spike/apps"
	"pkt.systems/spike/session"
)

func newShellCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive slash-command shell over the aggregated catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := effectiveLogger(baseLogger).With("session_id", uuid.NewString())
			ctx := cmd.Context()

			fleet, _, err := connectFleet(ctx, logger, nil, true)
			if err != nil {
				return err
			}
			defer fleet.CloseAll(context.Background())

			registry := apps.NewRegistry()
			registry.RefreshFromRemote(ctx, fleet)

			in := bufio.NewScanner(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			engine := session.NewEngine(session.EngineOptions{
				Fleet:    fleet,
				Registry: registry,
				Prompter: &stdinPrompter{in: in, out: out},
				Logger:   logger,
			})

			fmt.Fprintln(out, "spike shell — /help for commands, /quit to leave")
			for {
				fmt.Fprint(out, "spike> ")
				if !in.Scan() {
					return in.Err()
				}
				line := strings.TrimSpace(in.Text())
				if line == "" {
					continue
				}
				if !session.IsCommand(line) {
					fmt.Fprintln(out, "Input must start with /; try /help")
					continue
				}
				output, err := engine.Execute(ctx, line)
				if errors.Is(err, session.ErrQuit) {
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(out, output)
			}
		},
	}
}

// stdinPrompter collects missing required parameters interactively, one
// question per parameter. An empty answer aborts the call.
type stdinPrompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p *stdinPrompter) Prompt(param, schemaType string) (string, bool) {
	if schemaType != "" {
		fmt.Fprintf(p.out, "%s (%s): ", param, schemaType)
	} else {
		fmt.Fprintf(p.out, "%s: ", param)
	}
	if !p.in.Scan() {
		return "", false
	}
	answer := strings.TrimSpace(p.in.Text())
	if answer == "" {
		return "", false
	}
	return answer, true
}
