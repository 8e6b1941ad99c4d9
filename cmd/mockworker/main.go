// Command mockworker is a demo worker. It reads one JSON input line from
// stdin and writes scripted protocol events to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agent-racer/streambridge/internal/mock"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, mock.ErrCrash) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts mock.Options
	cmd := &cobra.Command{
		Use:           "mockworker",
		Short:         "Emit scripted worker events for a feature",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			input, err := mock.ReadInput(cmd.InOrStdin())
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			opts.Stderr = cmd.ErrOrStderr()
			g, err := mock.NewGenerator(cmd.OutOrStdout(), opts)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			err = g.Run(ctx, input)
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(cmd.ErrOrStderr(), "mockworker: interrupted")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Feature, "feature", "", "feature whose events to imitate (solver, council, agent)")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", mock.PatternSteady, "run pattern: "+strings.Join(mock.Patterns, ", "))
	cmd.Flags().IntVar(&opts.Steps, "steps", 10, "number of progress steps")
	cmd.Flags().DurationVar(&opts.Tick, "tick", 200*time.Millisecond, "delay between steps")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (0 picks one)")
	return cmd
}
