package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-go/internal/cli"
)

var (
	trackUser string
	trackData []string
)

var trackCmd = &cobra.Command{
	Use:   "track <event-type>",
	Short: "Send an analytics event",
	Long: `Queue one analytics event and flush it. With persist_events enabled an
event that cannot be delivered stays in the event log for the next run.

Examples:
  flagship track purchase --user u1 --data amount=42 --data currency=EUR`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseData(trackData)
		if err != nil {
			return err
		}

		opts, err := loadOptions()
		if err != nil {
			return err
		}
		opts.StreamingEnabled = false
		opts.PollingEnabled = false
		opts.EventsEnabled = true

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c, err := newClient(ctx, opts)
		if err != nil {
			return err
		}
		if trackUser != "" {
			c.Identify(trackUser, nil)
		}
		c.Track(args[0], data)

		flushErr := c.Flush(ctx)
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("failed to close client: %w", err)
		}
		if flushErr != nil {
			return fmt.Errorf("failed to deliver event: %w", flushErr)
		}

		if !quiet {
			fmt.Printf("Tracked event '%s'\n", args[0])
		}
		return nil
	},
}

// parseData turns key=value pairs into event data. Values are parsed like
// flag values.
func parseData(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid data %q, expected key=value", p)
		}
		data[strings.TrimSpace(k)] = cli.ParseValue(v)
	}
	return data, nil
}

func init() {
	rootCmd.AddCommand(trackCmd)

	trackCmd.Flags().StringVar(&trackUser, "user", "", "User ID to attach")
	trackCmd.Flags().StringArrayVar(&trackData, "data", nil, "Event data as key=value (repeatable)")
}
