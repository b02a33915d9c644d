// Package component defines the lifecycle and discovery contracts shared by
// the pipeline's long-running pieces (broadcast server, processor, service).
package component

import (
	"context"
	"time"
)

// Lifecycle is implemented by every long-running component. Initialize
// validates configuration and allocates resources, Start launches goroutines
// bound to ctx, Stop shuts down within timeout. Start and Stop are both
// idempotent: calling either on a component already in the target state is a
// no-op.
type Lifecycle interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// State describes where a component is in its lifecycle.
type State int

const (
	// StateCreated means the component exists but Initialize has not run.
	StateCreated State = iota
	// StateInitialized means Initialize succeeded.
	StateInitialized
	// StateRunning means Start succeeded and goroutines are live.
	StateRunning
	// StateStopped means Stop completed.
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Metadata identifies a component for status reporting.
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// HealthStatus is a point-in-time health snapshot.
type HealthStatus struct {
	Healthy bool           `json:"healthy"`
	State   string         `json:"state"`
	Details map[string]any `json:"details,omitempty"`
	Checked time.Time      `json:"checked"`
}

// Discoverable components expose identity and health for the status surface.
type Discoverable interface {
	Meta() Metadata
	Health() HealthStatus
}
