package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "digest.db")

	// Scheduler defaults
	v.SetDefault("scheduler.research_workers", 2)
	v.SetDefault("scheduler.delivery_workers", 2)
	v.SetDefault("scheduler.poll_interval_seconds", 5)
	v.SetDefault("scheduler.pre_run_offset_minutes", 10)  // Research starts 10min before delivery deadline
	v.SetDefault("scheduler.research_attempts", 3)        // Research runs are expensive, fail fast
	v.SetDefault("scheduler.research_backoff_seconds", 60)
	v.SetDefault("scheduler.delivery_attempts", 5)        // Email failures are usually transient
	v.SetDefault("scheduler.delivery_backoff_seconds", 5)
	v.SetDefault("scheduler.completed_retention_days", 7)
	v.SetDefault("scheduler.failed_retention_days", 14)
	v.SetDefault("scheduler.recovery_interval_seconds", 300)

	// SMTP defaults
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.max_sends_per_minute", 30)

	// Research client defaults
	v.SetDefault("research.model", "gpt-4o-mini") // Cost-effective default
	v.SetDefault("research.timeout_seconds", 120)
}
