package poller

import (
	"fmt"
	"time"
)

// Config controls the fetch-and-lock loops.
type Config struct {
	// WorkerID identifies this bridge instance to the engine. Every lock,
	// completion, and recovery decision keys off it.
	WorkerID string
	// Topics to poll. Each topic gets its own loop.
	Topics []string
	// MaxTasks bounds how many tasks one fetch may lock.
	MaxTasks int
	// LockDuration is how long fetched tasks stay locked to this worker.
	LockDuration time.Duration
	// AsyncResponseTimeout makes the engine long-poll when no tasks are
	// available. Must stay below the HTTP client timeout.
	AsyncResponseTimeout time.Duration
	// UsePriority asks the engine to serve higher priority tasks first.
	UsePriority bool
	// VariableFilter limits fetched variables to the named ones. Empty
	// fetches everything.
	VariableFilter []string

	// SleepIdle is the pause after an empty fetch, SleepBusy after a
	// non-empty one, SleepOnError after a failed one.
	SleepIdle    time.Duration
	SleepBusy    time.Duration
	SleepOnError time.Duration

	// MaxConsecutiveErrors terminates a topic loop; the supervisor restarts
	// it after SleepOnError.
	MaxConsecutiveErrors int

	// DefaultRetries seeds the engine retry counter for tasks that never
	// had one when a publish fails back.
	DefaultRetries int
	// RetryDelay is the engine-side pause before a failed-back task is
	// retried.
	RetryDelay time.Duration
}

// DefaultConfig returns the poller defaults.
func DefaultConfig() Config {
	return Config{
		MaxTasks:             10,
		LockDuration:         5 * time.Minute,
		AsyncResponseTimeout: 20 * time.Second,
		UsePriority:          true,
		SleepIdle:            5 * time.Second,
		SleepBusy:            time.Second,
		SleepOnError:         10 * time.Second,
		MaxConsecutiveErrors: 5,
		DefaultRetries:       3,
		RetryDelay:           time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	seen := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		if t == "" {
			return fmt.Errorf("empty topic name")
		}
		if seen[t] {
			return fmt.Errorf("topic %s listed twice", t)
		}
		seen[t] = true
	}
	if c.MaxTasks <= 0 {
		return fmt.Errorf("max tasks must be positive, got %d", c.MaxTasks)
	}
	if c.LockDuration <= 0 {
		return fmt.Errorf("lock duration must be positive")
	}
	if c.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("max consecutive errors must be positive")
	}
	if c.DefaultRetries < 0 {
		return fmt.Errorf("default retries must not be negative")
	}
	return nil
}
