// Package component defines the lifecycle contract shared by the bridge's
// long-running pieces: the poller, the consumer framework, the response
// loop, and the reconciliation trackers.
package component

import (
	"context"
	"time"
)

// Component is a long-running piece of the bridge with explicit lifecycle.
// Start must not block; it spawns the component's goroutines and returns.
// Stop cancels them and waits up to the timeout for a clean join.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() HealthStatus
}

// HealthStatus is a point-in-time health snapshot.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	Status     string        `json:"status"`
	LastCheck  time.Time     `json:"lastCheck"`
	ErrorCount int           `json:"errorCount"`
	Uptime     time.Duration `json:"uptime"`
}

// StatusOf renders the conventional status string for a running flag.
func StatusOf(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}
