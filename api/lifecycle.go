// Package api defines public API contracts for mycelial.
package api

import "context"

// Lifecycle defines the interface for node lifecycle management.
type Lifecycle interface {
	StartNode(ctx context.Context, name string) error
	StopNode(name string) error
	ReloadNode(ctx context.Context, name string) error
	GetState(name string) (string, error)
}
