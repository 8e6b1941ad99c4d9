// Command bridgectl is a command-line client for a streambridge server.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agent-racer/streambridge/internal/client"
	"github.com/agent-racer/streambridge/internal/protocol"
	"github.com/agent-racer/streambridge/internal/watch"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// errSessionFailed marks a run whose terminal message was not completed.
var errSessionFailed = errors.New("session did not complete")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errSessionFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL string
	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Start, follow and inspect streambridge sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")

	api := func() *client.HTTPClient { return client.NewHTTPClient(serverURL) }
	root.AddCommand(
		newFeaturesCmd(api),
		newRunCmd(api),
		newCancelCmd(api),
		newResultCmd(api),
		newStatsCmd(api),
		newWatchCmd(api),
	)
	return root
}

func newFeaturesCmd(api func() *client.HTTPClient) *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List the server's features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := api().Features(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tEVENT PREFIX\tDESCRIPTION")
			for _, f := range list {
				prefix := f.EventPrefix
				if prefix == "" {
					prefix = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, prefix, f.Description)
			}
			return tw.Flush()
		},
	}
}

func newRunCmd(api func() *client.HTTPClient) *cobra.Command {
	var (
		data    string
		file    string
		rawJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run FEATURE",
		Short: "Prepare a session and stream its events to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := requestBody(data, file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := api()
			prep, err := c.Prepare(ctx, args[0], body)
			if err != nil {
				return err
			}
			stream, err := c.Open(ctx, prep.SessionID)
			if err != nil {
				return err
			}
			// Hanging up cancels the session server-side.
			go func() {
				<-ctx.Done()
				stream.Close()
			}()
			defer stream.Close()

			out := cmd.OutOrStdout()
			final, err := stream.Drain(func(m protocol.Message) {
				printMessage(out, m, rawJSON)
			})
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("interrupted, session %s cancelled", prep.SessionID)
				}
				return err
			}
			if final.Type != protocol.TypeCompleted {
				return errSessionFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "request JSON (use @- for stdin)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the request JSON from a file")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print each message as a JSON line")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

// requestBody returns the request JSON from --data or --file, defaulting to
// an empty object.
func requestBody(data, file string, stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case data == "@-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case data != "":
		raw = []byte(data)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		return nil, errors.New("request is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printMessage(w io.Writer, m protocol.Message, rawJSON bool) {
	if rawJSON {
		line, _ := json.Marshal(m)
		fmt.Fprintf(w, "%s\n", line)
		return
	}
	fmt.Fprintf(w, "%4d %-24s %s\n", m.Seq, m.Type, strings.TrimSpace(string(m.Data)))
}

func newCancelCmd(api func() *client.HTTPClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel SESSION",
		Short: "Cancel a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := api().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s is not running", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func newResultCmd(api func() *client.HTTPClient) *cobra.Command {
	return &cobra.Command{
		Use:   "result SESSION",
		Short: "Show the recorded summary of a finished session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := api().Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}

func newStatsCmd(api func() *client.HTTPClient) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate session statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := api().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newWatchCmd(api func() *client.HTTPClient) *cobra.Command {
	var (
		sessionID string
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of running sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := api()
			opts := watch.Options{Interval: interval}
			if sessionID != "" {
				stream, err := c.Open(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				defer stream.Close()
				opts.Stream = stream
			}
			p := tea.NewProgram(watch.New(c, opts), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			if errors.Is(err, tea.ErrProgramKilled) && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "prepared session to start and follow")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "session list refresh interval")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
