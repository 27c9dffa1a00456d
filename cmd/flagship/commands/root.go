package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	flagship "github.com/TimurManjosov/flagship-go"
	"github.com/TimurManjosov/flagship-go/internal/cli"
)

var (
	// Global flags
	configFile string
	baseURL    string
	apiKey     string
	offline    bool
	format     string
	quiet      bool
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flagship",
	Short: "CLI for the flagship feature flag SDK",
	Long: `Flagship evaluates feature flags through the SDK, the same way an
application would: with caching, retries, streaming and event delivery.

Settings come from ~/.flagship/config.yaml, FLAGSHIP_* environment variables
and the flags below, in increasing priority.

Examples:
  flagship config init
  flagship list
  flagship get new_checkout --default false
  flagship watch
  flagship track purchase --user u1 --data amount=42
  flagship events pending`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.flagship/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the flag service")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "SDK API key")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Never contact the server")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
}

func resolveConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return cli.GetConfigPath()
}

func loadOptions() (flagship.Options, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return flagship.Options{}, err
	}
	return cli.LoadOptions(path, cli.Overrides{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Offline: offline,
		Verbose: verbose,
	})
}

// newClient builds and initializes a client. An initialization failure is
// reported but not fatal: the client still serves defaults.
func newClient(ctx context.Context, opts flagship.Options) (*flagship.Client, error) {
	c, err := flagship.NewClient(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil && !quiet {
		fmt.Fprintf(os.Stderr, "Warning: initialization failed: %v\n", err)
	}
	return c, nil
}
