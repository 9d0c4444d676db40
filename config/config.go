// Package config holds the digest core configuration.
package config

import "time"

// Config represents the core digest configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Research  ResearchConfig  `mapstructure:"research"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the job queues, worker pools, and retry policies.
// Every knob here is runtime state for the queue service and worker pools;
// none of these are compiled-in constants so tests can run with deterministic
// values and operators can tune without rebuilding.
type SchedulerConfig struct {
	ResearchWorkers     int `mapstructure:"research_workers"`      // Concurrent research workers (default: 2)
	DeliveryWorkers     int `mapstructure:"delivery_workers"`      // Concurrent delivery workers (default: 2)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // How often workers poll for due jobs (default: 5)

	// Research jobs start this many minutes before the delivery deadline so
	// the report is ready when the delivery job fires.
	PreRunOffsetMinutes int `mapstructure:"pre_run_offset_minutes"` // default: 10

	ResearchAttempts       int `mapstructure:"research_attempts"`        // default: 3
	ResearchBackoffSeconds int `mapstructure:"research_backoff_seconds"` // initial, exponential (default: 60)
	DeliveryAttempts       int `mapstructure:"delivery_attempts"`        // default: 5
	DeliveryBackoffSeconds int `mapstructure:"delivery_backoff_seconds"` // initial, exponential (default: 5)

	CompletedRetentionDays  int `mapstructure:"completed_retention_days"`  // default: 7
	FailedRetentionDays     int `mapstructure:"failed_retention_days"`     // default: 14
	RecoveryIntervalSeconds int `mapstructure:"recovery_interval_seconds"` // default: 300
}

// SMTPConfig configures outbound report email
type SMTPConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	From              string `mapstructure:"from"`
	MaxSendsPerMinute int    `mapstructure:"max_sends_per_minute"` // default: 30
}

// ResearchConfig configures the research execution client
type ResearchConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`           // default: gpt-4o-mini
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // default: 120
}

// PollInterval returns the worker poll interval as a duration
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PreRunOffset returns the research lead time as a duration
func (c SchedulerConfig) PreRunOffset() time.Duration {
	return time.Duration(c.PreRunOffsetMinutes) * time.Minute
}

// ResearchBackoff returns the initial research retry backoff
func (c SchedulerConfig) ResearchBackoff() time.Duration {
	return time.Duration(c.ResearchBackoffSeconds) * time.Second
}

// DeliveryBackoff returns the initial delivery retry backoff
func (c SchedulerConfig) DeliveryBackoff() time.Duration {
	return time.Duration(c.DeliveryBackoffSeconds) * time.Second
}

// RecoveryInterval returns the recovery scan cadence as a duration
func (c SchedulerConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}
