package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/errors"
	"github.com/hexfield/digest/logger"
	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
)

// ProjectCmd groups project operations
var ProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage research projects",
}

var projectRunNowCmd = &cobra.Command{
	Use:   "run-now <user-id> <project-id>",
	Short: "Trigger an immediate research run for a project",
	Long: `Trigger an immediate research run for a project.

On a recurring project this is a one-shot run: it consumes one-shot usage
and does not disturb the project's regular cadence. The job is picked up by
a running daemon sharing the same database.`,
	Args: cobra.ExactArgs(2),
	RunE: runProjectRunNow,
}

var projectCancelCmd = &cobra.Command{
	Use:   "cancel <user-id> <project-id>",
	Short: "Cancel a project's queued research and delivery jobs",
	Args:  cobra.ExactArgs(2),
	RunE:  runProjectCancel,
}

func init() {
	ProjectCmd.AddCommand(projectRunNowCmd)
	ProjectCmd.AddCommand(projectCancelCmd)
}

func projectService() (*project.Store, *queue.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to load configuration")
	}

	database, _, err := openDatabase()
	if err != nil {
		return nil, nil, nil, err
	}

	projects := project.NewStore(database)
	queues := queue.NewService(queue.NewStore(database), cfg.Scheduler, logger.Logger)
	return projects, queues, func() { database.Close() }, nil
}

func runProjectRunNow(cmd *cobra.Command, args []string) error {
	userID, projectID := args[0], args[1]
	ctx := context.Background()

	projects, queues, closeDB, err := projectService()
	if err != nil {
		return err
	}
	defer closeDB()

	proj, err := projects.GetProject(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if proj == nil {
		return errors.Wrapf(errors.ErrNotFound, "project %s", projectID)
	}
	if proj.Status == project.StatusDeleted {
		return errors.Newf("project %s is deleted", projectID)
	}

	// A manual run on a recurring project is a one-shot: flag it so the
	// delivery processor preserves the regular cadence afterwards.
	oneShot := proj.Frequency != project.FrequencyOnce
	if oneShot {
		if err := projects.SetThisRunOneShot(ctx, userID, projectID, true); err != nil {
			return err
		}
	}

	nextRunAt := time.Now().UnixMilli()
	if proj.NextRunAt != nil {
		nextRunAt = *proj.NextRunAt
	}

	job, err := queues.ScheduleResearch(ctx, userID, projectID, proj.Title, nextRunAt, true, oneShot)
	if err != nil {
		return err
	}

	fmt.Printf("Research job scheduled: %s\n", job.ID)
	return nil
}

func runProjectCancel(cmd *cobra.Command, args []string) error {
	userID, projectID := args[0], args[1]

	_, queues, closeDB, err := projectService()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := queues.CancelProjectJobs(context.Background(), userID, projectID); err != nil {
		return err
	}

	fmt.Printf("Cancelled queued jobs for project %s\n", projectID)
	return nil
}
