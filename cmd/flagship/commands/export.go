package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	flagship "github.com/TimurManjosov/flagship-go"
)

var (
	exportOutput string
	exportSign   bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export flags as a bootstrap payload",
	Long: `Fetch every flag and write it as a bootstrap payload that an application
can pass in Options.Bootstrap to evaluate flags before its first network call.

With --sign the payload carries an HMAC signature keyed by the API key, which
the SDK verifies on load.

Examples:
  flagship export --output bootstrap.json --format json --sign
  flagship export > flags.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		opts.StreamingEnabled = false
		opts.PollingEnabled = false
		opts.EventsEnabled = false

		ctx := context.Background()
		c, err := flagship.NewClient(opts)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		if err := c.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to fetch flags: %w", err)
		}

		all := c.AllFlags()
		b := &flagship.Bootstrap{}
		for _, k := range slices.Sorted(maps.Keys(all)) {
			st := all[k]
			st.Reason = ""
			b.Flags = append(b.Flags, st)
		}
		if exportSign {
			b.Timestamp = time.Now().UnixMilli()
			if b.Signature, err = flagship.SignBootstrap(b.Flags, b.Timestamp, opts.APIKey); err != nil {
				return err
			}
		}

		// Determine output destination
		output := os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			output, err = os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer output.Close()
		}

		// Export based on format
		switch format {
		case "json":
			encoder := json.NewEncoder(output)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(b); err != nil {
				return fmt.Errorf("failed to encode JSON: %w", err)
			}
		case "yaml", "table":
			if exportSign {
				return fmt.Errorf("signed exports must use --format json")
			}
			// Default to YAML for export
			encoder := yaml.NewEncoder(output)
			defer encoder.Close()
			encoder.SetIndent(2)
			if err := encoder.Encode(b); err != nil {
				return fmt.Errorf("failed to encode YAML: %w", err)
			}
		default:
			return fmt.Errorf("unsupported export format: %s", format)
		}

		if exportOutput != "" && exportOutput != "-" && !quiet {
			fmt.Fprintf(os.Stderr, "Successfully exported %d flag(s) to %s\n", len(b.Flags), exportOutput)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	exportCmd.Flags().BoolVar(&exportSign, "sign", false, "Sign the payload with the API key")
}
