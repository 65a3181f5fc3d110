// Package transport owns the worker process: it resolves and spawns the
// executable, frames traffic on its stdin/stdout, watches its resource use
// and drives the connection lifecycle.
package transport

import "time"

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	// StatusNoWorkspace is terminal until the client is initialised again.
	StatusNoWorkspace Status = "no_workspace"
)

// ConnectionInfo is a snapshot of the connection.
type ConnectionInfo struct {
	Status      Status    `json:"status"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	ProcessID   int       `json:"process_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// ExitEvent is emitted once per process when it exits.
type ExitEvent struct {
	ProcessID int
	ExitCode  int
	Err       error
	// Requested is true when the exit followed Stop or TerminateForSecurity.
	Requested bool
	Reason    string
}
