package dynamo

import "time"

// Config holds configuration for the DynamoDB client.
type Config struct {
	// RequestTimeout bounds every data operation (get, insert, update,
	// delete, query). Table lifecycle operations are exempt; they wait
	// on TableWaitTimeout instead.
	// Default: 30s
	RequestTimeout time.Duration

	// TableWaitTimeout bounds how long CreateTable waits for a new
	// table to become active.
	// Default: 2m
	TableWaitTimeout time.Duration

	// EventuallyConsistentReads trades read-your-write consistency for
	// half the read cost. Leave it false when entities are modified
	// through the optimistic concurrency protocol; it assumes reads
	// observe the latest write.
	EventuallyConsistentReads bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   30 * time.Second,
		TableWaitTimeout: 2 * time.Minute,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.TableWaitTimeout <= 0 {
		c.TableWaitTimeout = 2 * time.Minute
	}
}
