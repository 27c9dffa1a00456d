package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-go/internal/cli"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print flag changes as they happen",
	Long: `Initialize the SDK and print every flag change pushed over the stream
or picked up by polling, until interrupted.

Examples:
  flagship watch
  flagship watch --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		opts.EventsEnabled = false

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := newClient(ctx, opts)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		changes, unsubscribe := c.Subscribe(64)
		defer unsubscribe()

		if !quiet {
			s := c.Stats()
			fmt.Fprintf(os.Stderr, "Watching %d flag(s) (stream: %s, polling: %s). Press Ctrl+C to stop.\n",
				len(c.AllFlags()), s.StreamState, s.PollingState)
		}

		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ch, ok := <-changes:
				if !ok {
					return nil
				}
				if quiet {
					continue
				}
				if cli.OutputFormat(format) == cli.FormatJSON {
					if err := enc.Encode(ch); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s  %-8s updated=[%s] deleted=[%s]\n",
					ch.UpdatedAt.Local().Format(time.TimeOnly), ch.Source,
					strings.Join(ch.Updated, ","), strings.Join(ch.Deleted, ","))
				for _, k := range ch.Updated {
					if st, ok := c.AllFlags()[k]; ok {
						fmt.Printf("    %s = %s (enabled: %v)\n", k, cli.FormatValue(st.Value), st.Enabled)
					}
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
