package model

import "time"

// RetryMode controls which events a retry attempt carries.
type RetryMode string

const (
	// RetryPartial resends events from the failed row onward.
	RetryPartial RetryMode = "partial"
	// RetryFull resends every event of the failed batch.
	RetryFull RetryMode = "full"
)

// Channel is a named logical stream of changes with its own ordering,
// batching thresholds and retry policy.
type Channel struct {
	ID              string
	ProcessingOrder int
	MaxBatchRows    int
	MaxBatchBytes   int
	MaxBatchWait    time.Duration
	Enabled         bool
	// UseOldDataToRoute exposes pre-update values to routing rules.
	UseOldDataToRoute bool
	// UseRowDataToRoute exposes row values to routing rules; when false
	// data-dependent rules fail.
	UseRowDataToRoute bool
	RetryMode         RetryMode
	MaxAttempts       int
}

// Node is a peer replication endpoint.
type Node struct {
	ID         string
	GroupID    string
	ExternalID string
	SyncURL    string
	Enabled    bool
	Attributes map[string]string
}
