package monitor

import (
	"context"
	"time"
)

// Plugin is one monitoring loop (a wallet poller, an account poller).
//
// Lifecycle contract:
//   - Initialize probes the source and prepares state. A failed Initialize
//     leaves the plugin in StateError; the manager may retry the whole start.
//   - Check runs one poll cycle. Errors are recorded, never fatal to the loop.
//   - Cleanup releases resources. Called once per successful start, on stop.
type Plugin interface {
	Name() string
	Initialize(ctx context.Context) error
	Check(ctx context.Context) error
	Cleanup(ctx context.Context) error
	CheckInterval() time.Duration
}

// State is the plugin lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Stats is a per-plugin snapshot. Derived values (SuccessRate, Uptime) are
// computed on read from raw counters.
type Stats struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	TotalChecks   uint64        `json:"total_checks"`
	SuccessChecks uint64        `json:"success_checks"`
	FailedChecks  uint64        `json:"failed_checks"`
	SuccessRate   float64       `json:"success_rate"`
	Uptime        time.Duration `json:"uptime"`
	LastError     string        `json:"last_error,omitempty"`
	LastCheckAt   time.Time     `json:"last_check_at"`
}

// Health summarizes the manager.
type Health struct {
	Running int     `json:"running"`
	Total   int     `json:"total"`
	Score   float64 `json:"score"`
}
