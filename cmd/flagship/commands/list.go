package commands

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	flagship "github.com/TimurManjosov/flagship-go"
	"github.com/TimurManjosov/flagship-go/internal/cli"
)

var (
	listEnabledOnly bool
	listUser        string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all feature flags",
	Long: `List every flag known to the SDK after initialization.

Examples:
  flagship list
  flagship list --format json
  flagship list --enabled-only
  flagship list --user user-123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		opts.StreamingEnabled = false
		opts.PollingEnabled = false
		opts.EventsEnabled = false

		ctx := context.Background()
		c, err := newClient(ctx, opts)
		if err != nil {
			return err
		}
		defer c.Close(ctx)

		if listUser != "" {
			c.Identify(listUser, nil)
		}
		all := c.EvaluateAll(ctx)
		flags := make([]flagship.FlagState, 0, len(all))
		for _, k := range slices.Sorted(maps.Keys(all)) {
			// Filter enabled only if requested
			if listEnabledOnly && !all[k].Enabled {
				continue
			}
			flags = append(flags, all[k])
		}

		if !quiet {
			if len(flags) == 0 {
				fmt.Println("No flags found")
				return nil
			}
			return cli.PrintFlags(os.Stdout, flags, cli.OutputFormat(format))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listEnabledOnly, "enabled-only", false, "Show only enabled flags")
	listCmd.Flags().StringVar(&listUser, "user", "", "Evaluate flags for this user ID")
}
