package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/daemon"
	"github.com/hexfield/digest/errors"
	"github.com/hexfield/digest/logger"
)

// ServeCmd runs the scheduler daemon until interrupted
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the digest scheduler daemon.

Starts the research and delivery worker pools, the periodic recovery scan,
and the retention cleanup loop. Scheduler settings reload automatically when
the config file changes; worker counts and the database path require a
restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, logger.Logger, daemon.Options{})
	if err != nil {
		return errors.Wrap(err, "failed to initialize daemon")
	}

	d.Start(ctx)
	<-ctx.Done()

	logger.Infow("Shutdown signal received")
	d.Stop()
	return nil
}
