package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hexfield/digest/logger"
	"github.com/hexfield/digest/recovery"
)

// RecoveryCmd groups recovery operations
var RecoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Recover missing scheduled jobs",
}

var recoveryScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one recovery pass over active projects",
	Long: `Run one recovery pass over active projects.

Re-schedules a research job for any active project with a scheduled next run
but no live job on either queue. Projects with live jobs are left alone, so
running this repeatedly is safe.`,
	RunE: runRecoveryScan,
}

func init() {
	RecoveryCmd.AddCommand(recoveryScanCmd)
}

func runRecoveryScan(cmd *cobra.Command, args []string) error {
	projects, queues, closeDB, err := projectService()
	if err != nil {
		return err
	}
	defer closeDB()

	scanner := recovery.NewScanner(projects, queues, logger.Logger)
	restored, err := scanner.Scan(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Recovery scan complete: %d job(s) restored\n", restored)
	return nil
}
