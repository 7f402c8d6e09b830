package ports

import "time"

// Policy holds the knobs that shape the pump loop and the store.
type Policy struct {
	PollInterval  time.Duration
	MaxBatchSize  int
	GracePeriod   time.Duration
	StoreCapacity int

	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	BackoffJitter  float64
}
