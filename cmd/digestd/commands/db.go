package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/db"
	"github.com/hexfield/digest/errors"
	"github.com/hexfield/digest/logger"
)

// DbCmd groups database operations
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the digest database",
	Long: `Manage digest database operations.

Examples:
  digestd db migrate    # Apply pending migrations
  digestd db stats      # Show project and job counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show project and job statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func openDatabase() (*sql.DB, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to load configuration")
	}
	if cfg.Database.Path == "" {
		return nil, "", errors.New("database.path is not configured")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to open database")
	}
	return database, cfg.Database.Path, nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "migration failed")
	}

	fmt.Printf("Migrations applied: %s\n", path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var projects, activeProjects int
	if err := database.QueryRow(`SELECT COUNT(*), COALESCE(SUM(status = 'active'), 0) FROM projects`).Scan(&projects, &activeProjects); err != nil {
		return errors.Wrap(err, "failed to query project stats")
	}

	fmt.Printf("Database: %s\n", path)
	fmt.Printf("Projects: %d (%d active)\n\n", projects, activeProjects)

	rows, err := database.Query(`SELECT queue, state, COUNT(*) FROM jobs GROUP BY queue, state ORDER BY queue, state`)
	if err != nil {
		return errors.Wrap(err, "failed to query job stats")
	}
	defer rows.Close()

	fmt.Println("Jobs:")
	any := false
	for rows.Next() {
		var queue, state string
		var count int
		if err := rows.Scan(&queue, &state, &count); err != nil {
			return errors.Wrap(err, "failed to scan job stats")
		}
		fmt.Printf("  %-10s %-10s %d\n", queue, state, count)
		any = true
	}
	if !any {
		fmt.Println("  (none)")
	}
	return rows.Err()
}
