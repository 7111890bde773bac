package config

import "time"

// Default configuration constants for queueing, gating, and shared state.
const (
	DefaultJobAttempts        = 3
	DefaultBackoffInitial     = 2 * time.Second
	DefaultKeepCompletedJobs  = 50
	DefaultKeepFailedJobs     = 25
	DefaultWorkerConcurrency  = 3
	DefaultMetricWindow       = 15 * time.Minute
	DefaultUICommandWindow    = 5 * time.Minute
	DefaultJobStatusTTL       = 5 * time.Minute
	DefaultEquipmentListTTL   = 4 * time.Hour
	DefaultEquipmentResultTTL = 2 * time.Minute
	DefaultBatchLockTTL       = 3 * time.Minute
	DefaultLeadLagLockTTL     = 10 * time.Minute
	DefaultLeadLagInterval    = 10 * time.Minute
)
