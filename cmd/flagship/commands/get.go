package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-go/internal/cli"
)

var getDefault string

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Evaluate a feature flag",
	Long: `Evaluate a flag and show its value and where it came from.

A --default also fixes the expected type: a flag of another type evaluates
to the default with reason TYPE_MISMATCH.

Examples:
  flagship get new_checkout
  flagship get new_checkout --default false --format json`,
	Args: cobra.ExactArgs(1),
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

		var def any
		if cmd.Flags().Changed("default") {
			def = cli.ParseValue(getDefault)
		}
		res := c.Evaluate(ctx, args[0], def)

		if !quiet {
			return cli.PrintEvaluation(os.Stdout, res, cli.OutputFormat(format))
		}
		if res.Value == nil {
			return fmt.Errorf("flag '%s' has no value (%s)", args[0], res.Reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)

	getCmd.Flags().StringVar(&getDefault, "default", "", "Default value (JSON or plain string)")
}
