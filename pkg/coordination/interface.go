package coordination

import (
	"context"
	"time"
)

// NodeInfo is the fleet-membership record a process publishes while alive.
// The record disappears when the node stops heartbeating, so the active set
// is always the set of live processes.
type NodeInfo struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	Role      string    `json:"role"` // scheduler, worker, api
	CPUs      int       `json:"cpus"`
	MemoryMB  uint64    `json:"memory_mb"`
	StartedAt time.Time `json:"started_at"`
}

// Coordinator handles distributed coordination: fleet membership with
// lease-backed liveness, and leader election campaigns.
type Coordinator interface {
	// NewElection creates an election instance for a given campaign name.
	NewElection(name string) Election

	// RegisterNode publishes this node's membership record under a lease of
	// ttlSeconds. Called periodically as a heartbeat; a node that stops
	// calling it drops out of the active set when the lease expires.
	RegisterNode(ctx context.Context, info NodeInfo, ttlSeconds int) error

	// ActiveNodes lists every node currently holding a live lease.
	ActiveNodes(ctx context.Context) ([]NodeInfo, error)

	// Close terminates the coordinator connection.
	Close() error
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign blocks until leadership is acquired or the context ends.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Leader returns the current leader's value, if any.
	Leader(ctx context.Context) (string, error)
}
