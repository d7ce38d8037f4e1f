package settings

// DB config keys and defaults for settings.
const (
	// UsageRetentionDaysKey controls how long usage records are kept.
	// Zero or negative disables retention cleanup entirely.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"
	// DefaultUsageRetentionDays keeps the ledger append-only by default.
	DefaultUsageRetentionDays = 0

	// AllocationIntervalSecondsKey controls the allocation granter poll interval.
	AllocationIntervalSecondsKey = "ALLOCATION_INTERVAL_SECONDS"
	// DefaultAllocationIntervalSeconds is the fallback poll interval (seconds).
	DefaultAllocationIntervalSeconds = 3600
)
