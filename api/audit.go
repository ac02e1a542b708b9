// Package api defines public API contracts for mycelial.
package api

// Audit defines the interface for audit and governance events.
type Audit interface {
	LogEvent(event string, details map[string]interface{}) error
	SetCompliancePolicy(policy string) error
}
