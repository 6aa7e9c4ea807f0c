/*
Queue tuning lives here so the wiring in jobqueue.go stays readable.

MaxAttempts counts the first try. It should match the engine's run attempt
budget: the engine requeues the run row, River redelivers the job, and both
give up on the same attempt number.
*/
package jobqueue

import (
	"github.com/riverqueue/river"

	"github.com/reviewloop/internal/retry"
)

// QueueConfig holds the tunable parameters for the job queue.
type QueueConfig struct {
	// MaxWorkers is the number of concurrent workers per queue.
	MaxWorkers int

	// MaxAttempts bounds deliveries per job, first try included.
	MaxAttempts int

	// RetryPolicy is the jittered exponential backoff between redeliveries.
	RetryPolicy retry.Policy
}

// DefaultQueueConfig mirrors the engine's default attempt budget.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  10,
		MaxAttempts: 3,
		RetryPolicy: retry.DefaultPolicy(),
	}
}

// RiverQueueConfig converts the config to River's queue map.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {MaxWorkers: c.MaxWorkers},
	}
}
