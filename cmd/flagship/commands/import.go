package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-go/internal/cli"
	"github.com/TimurManjosov/flagship-go/internal/devserver"
)

var (
	importDryRun bool
	importForce  bool
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load a flag file into a devserver",
	Long: `Push every flag of a devserver YAML flag file through the admin API.

Examples:
  flagship import flags.yaml --admin-key secret
  flagship import flags.yaml --dry-run
  flagship import flags.yaml --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := devserver.LoadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to parse file: %w", err)
		}
		states := file.States()

		// Validate flags
		if len(states) == 0 {
			return fmt.Errorf("no flags found in file")
		}

		if verbose {
			fmt.Printf("Found %d flag(s) to import\n", len(states))
		}

		// Dry run mode - just validate and show what would be imported
		if importDryRun {
			fmt.Println("Dry run mode - the following flags would be imported:")
			for _, st := range states {
				fmt.Printf("  - %s = %s (enabled: %v, type: %s)\n",
					st.Key, cli.FormatValue(st.Value), st.Enabled, st.FlagType)
			}
			return nil
		}

		c, err := newAdminClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		// Import flags
		successCount := 0
		errorCount := 0

		for _, st := range states {
			if verbose {
				fmt.Printf("Importing flag: %s\n", st.Key)
			}

			enabled := st.Enabled
			if _, err := c.PutFlag(ctx, st.Key, st.Value, &enabled); err != nil {
				errorCount++
				fmt.Fprintf(os.Stderr, "Failed to import flag '%s': %v\n", st.Key, err)
				if !importForce {
					return fmt.Errorf("import failed, use --force to continue on errors")
				}
			} else {
				successCount++
			}
		}

		if !quiet {
			fmt.Printf("Import complete: %d succeeded, %d failed\n", successCount, errorCount)
		}

		if errorCount > 0 && !importForce {
			return fmt.Errorf("import completed with errors")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate without importing")
	importCmd.Flags().BoolVar(&importForce, "force", false, "Continue on errors")
}
