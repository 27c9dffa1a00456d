package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-go/internal/cli"
)

var (
	adminKey    string
	setDisabled bool
)

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Create or update a flag on a devserver",
	Long: `Create or replace a flag through the devserver admin API. Connected SDKs
receive the change over their stream.

The value is parsed as JSON when possible (true, 42, {"a":1}), otherwise it
is stored as a string.

Examples:
  flagship set new_checkout true --admin-key secret --base-url http://localhost:8080
  flagship set banner_text "Summer sale" --disabled`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}

		var enabled *bool
		if setDisabled {
			v := false
			enabled = &v
		}
		st, err := c.PutFlag(context.Background(), args[0], cli.ParseValue(args[1]), enabled)
		if err != nil {
			return fmt.Errorf("failed to set flag: %w", err)
		}

		if !quiet {
			fmt.Printf("Flag '%s' set to %s (version %d)\n", st.Key, cli.FormatValue(st.Value), st.Version)
		}
		return nil
	},
}

// newAdminClient talks to the devserver at the configured base URL.
// Priority for the admin key: --admin-key > FLAGSHIP_ADMIN_KEY
func newAdminClient() (*cli.AdminClient, error) {
	key := adminKey
	if key == "" {
		key = os.Getenv("FLAGSHIP_ADMIN_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("--admin-key flag or FLAGSHIP_ADMIN_KEY is required")
	}

	opts, err := loadOptions()
	if err != nil {
		return nil, err
	}
	return cli.NewAdminClient(opts.BaseURL, key), nil
}

func init() {
	rootCmd.AddCommand(setCmd)

	rootCmd.PersistentFlags().StringVar(&adminKey, "admin-key", "", "Devserver admin key for set, delete and import")
	setCmd.Flags().BoolVar(&setDisabled, "disabled", false, "Store the flag disabled")
}
