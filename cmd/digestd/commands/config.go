package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/errors"
)

// ConfigCmd groups configuration operations
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage digest configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	fmt.Printf("Config file: %s\n\n", config.ConfigFilePath())

	fmt.Println("[database]")
	fmt.Printf("path = %q\n\n", cfg.Database.Path)

	fmt.Println("[scheduler]")
	fmt.Printf("research_workers = %d\n", cfg.Scheduler.ResearchWorkers)
	fmt.Printf("delivery_workers = %d\n", cfg.Scheduler.DeliveryWorkers)
	fmt.Printf("poll_interval_seconds = %d\n", cfg.Scheduler.PollIntervalSeconds)
	fmt.Printf("pre_run_offset_minutes = %d\n", cfg.Scheduler.PreRunOffsetMinutes)
	fmt.Printf("research_attempts = %d\n", cfg.Scheduler.ResearchAttempts)
	fmt.Printf("research_backoff_seconds = %d\n", cfg.Scheduler.ResearchBackoffSeconds)
	fmt.Printf("delivery_attempts = %d\n", cfg.Scheduler.DeliveryAttempts)
	fmt.Printf("delivery_backoff_seconds = %d\n", cfg.Scheduler.DeliveryBackoffSeconds)
	fmt.Printf("completed_retention_days = %d\n", cfg.Scheduler.CompletedRetentionDays)
	fmt.Printf("failed_retention_days = %d\n", cfg.Scheduler.FailedRetentionDays)
	fmt.Printf("recovery_interval_seconds = %d\n\n", cfg.Scheduler.RecoveryIntervalSeconds)

	fmt.Println("[smtp]")
	fmt.Printf("host = %q\n", cfg.SMTP.Host)
	fmt.Printf("port = %d\n", cfg.SMTP.Port)
	fmt.Printf("from = %q\n", cfg.SMTP.From)
	fmt.Printf("max_sends_per_minute = %d\n\n", cfg.SMTP.MaxSendsPerMinute)

	fmt.Println("[research]")
	fmt.Printf("model = %q\n", cfg.Research.Model)
	fmt.Printf("timeout_seconds = %d\n", cfg.Research.TimeoutSeconds)
	fmt.Printf("api_key_set = %t\n", cfg.Research.APIKey != "")

	return nil
}
