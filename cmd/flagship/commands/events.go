package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-go/internal/cli"
	"github.com/TimurManjosov/flagship-go/internal/logging"
	"github.com/TimurManjosov/flagship-go/internal/persistence"
)

var eventsDir string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the persisted event log",
}

var eventsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List events not yet delivered",
	Long: `List events in the event log that are still pending or were being
sent when the process stopped. They are delivered by the next client that
opens the same directory.

Examples:
  flagship events pending
  flagship events pending --dir /var/lib/myapp/flagship`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := eventsDir
		if dir == "" {
			path, err := resolveConfigPath()
			if err != nil {
				return err
			}
			if dir, err = cli.ConfigValue(path, "event_storage_path"); err != nil {
				return err
			}
		}
		if dir == "" {
			return fmt.Errorf("no event directory, set event_storage_path or pass --dir")
		}

		store, err := persistence.Open(persistence.DefaultConfig(dir), logging.Nop())
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer store.Close()

		evs, err := store.Recover()
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}

		if quiet {
			return nil
		}
		if len(evs) == 0 {
			fmt.Println("No pending events")
			return nil
		}
		return cli.PrintEvents(os.Stdout, evs, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsPendingCmd)

	eventsPendingCmd.Flags().StringVar(&eventsDir, "dir", "", "Event log directory (default: event_storage_path)")
}
