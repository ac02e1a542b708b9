// Package api defines public API contracts for mycelial.
package api

// Health defines the interface for node heartbeat and liveness.
type Health interface {
	Heartbeat(nodeID string) error
	LivenessCheck(nodeID string) (bool, error)
	ReportHealth(nodeID string, status string) error
}
