// Package daemon wires the digest scheduling core together and runs it.
package daemon

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/digest/config"
	"github.com/hexfield/digest/db"
	"github.com/hexfield/digest/delivery"
	"github.com/hexfield/digest/mailer"
	"github.com/hexfield/digest/project"
	"github.com/hexfield/digest/queue"
	"github.com/hexfield/digest/recovery"
	"github.com/hexfield/digest/research"
	"github.com/hexfield/digest/usage"
)

const cleanupInterval = time.Hour

// Options overrides parts of the default wiring, mainly for tests and local
// runs without external credentials.
type Options struct {
	Researcher research.Researcher
	Sender     mailer.Sender
}

// Daemon owns the database, both worker pools, the recovery runner, and the
// config watcher.
type Daemon struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	database *sql.DB
	queues   *queue.Service

	researchPool *queue.WorkerPool
	deliveryPool *queue.WorkerPool
	recovery     *recovery.Runner
	watcher      *config.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a daemon from config. The database is opened and migrated here;
// everything else starts in Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, opts Options) (*Daemon, error) {
	database, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger); err != nil {
		database.Close()
		return nil, err
	}

	projects := project.NewStore(database)
	logs := project.NewLogStore(database)
	tracker := usage.NewTracker(database)

	jobStore := queue.NewStore(database)
	queues := queue.NewService(jobStore, cfg.Scheduler, logger)

	researcher := opts.Researcher
	if researcher == nil {
		researcher, err = research.NewOpenAIResearcher(cfg.Research)
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	sender := opts.Sender
	if sender == nil {
		if cfg.SMTP.Host == "" {
			sender = mailer.NewLogSender(logger)
		} else {
			sender = mailer.NewThrottledSender(
				mailer.NewSMTPSender(cfg.SMTP),
				cfg.SMTP.MaxSendsPerMinute)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	researchProc := research.NewProcessor(projects, logs, queues, researcher, logger)
	deliveryProc := delivery.NewProcessor(projects, logs, queues, sender, tracker, logger)

	d := &Daemon{
		cfg:    cfg,
		logger: logger.Named("daemon"),

		database: database,
		queues:   queues,

		researchPool: queue.NewWorkerPool(runCtx, queue.QueueResearch, jobStore, researchProc, queue.WorkerPoolConfig{
			Workers:      cfg.Scheduler.ResearchWorkers,
			PollInterval: cfg.Scheduler.PollInterval(),
		}, logger),
		deliveryPool: queue.NewWorkerPool(runCtx, queue.QueueDelivery, jobStore, deliveryProc, queue.WorkerPoolConfig{
			Workers:      cfg.Scheduler.DeliveryWorkers,
			PollInterval: cfg.Scheduler.PollInterval(),
		}, logger),
		recovery: recovery.NewRunner(
			recovery.NewScanner(projects, queues, logger),
			cfg.Scheduler.RecoveryInterval(),
			logger),

		cancel: cancel,
	}

	return d, nil
}

// Queues exposes the scheduling service for CLI commands sharing a daemon
func (d *Daemon) Queues() *queue.Service {
	return d.queues
}

// Start brings up the worker pools, the recovery runner, the retention
// cleanup loop, and the config watcher.
func (d *Daemon) Start(ctx context.Context) {
	d.researchPool.Start()
	d.deliveryPool.Start()
	d.recovery.Start(ctx)

	d.wg.Add(1)
	go d.cleanupLoop(ctx)

	d.startConfigWatcher()

	d.logger.Infow("Daemon started",
		"database", d.cfg.Database.Path,
		"research_workers", d.cfg.Scheduler.ResearchWorkers,
		"delivery_workers", d.cfg.Scheduler.DeliveryWorkers)
}

// Stop shuts everything down in dependency order and closes the database
func (d *Daemon) Stop() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.recovery.Stop()
	d.researchPool.Stop()
	d.deliveryPool.Stop()
	d.cancel()
	d.wg.Wait()
	d.database.Close()
	d.logger.Infow("Daemon stopped")
}

func (d *Daemon) cleanupLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			completed := time.Duration(d.cfg.Scheduler.CompletedRetentionDays) * 24 * time.Hour
			failed := time.Duration(d.cfg.Scheduler.FailedRetentionDays) * 24 * time.Hour
			// Both pools share the jobs table; one cleanup covers both queues
			d.researchPool.RunCleanup(completed, failed)
		}
	}
}

// startConfigWatcher propagates scheduler knob edits to the queue service
// without a restart. Worker counts and the database path still need one.
func (d *Daemon) startConfigWatcher() {
	path := config.ConfigFilePath()
	if _, err := os.Stat(path); err != nil {
		d.logger.Debugw("No config file to watch", "path", path)
		return
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		d.logger.Warnw("Config watcher unavailable", "path", path, "error", err)
		return
	}

	watcher.OnReload(func(cfg *config.Config) error {
		d.queues.UpdateConfig(cfg.Scheduler)
		return nil
	})
	watcher.Start()
	d.watcher = watcher

	d.logger.Infow("Watching config file", "path", path)
}
