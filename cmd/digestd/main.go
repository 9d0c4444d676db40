package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hexfield/digest/cmd/digestd/commands"
	"github.com/hexfield/digest/logger"
)

var rootCmd = &cobra.Command{
	Use:   "digestd",
	Short: "digestd - research digest scheduler",
	Long: `digestd - scheduled research digests delivered by email

digestd runs the job scheduling core: per-project research and delivery
queues, the recurrence calculator, and the recovery scan.

Examples:
  digestd serve                  # Run the scheduler daemon
  digestd db migrate             # Apply pending database migrations
  digestd config show            # Print the effective configuration
  digestd project run-now <user> <project>   # Trigger an immediate run`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.ProjectCmd)
	rootCmd.AddCommand(commands.RecoveryCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
