// Package api defines public API contracts for mycelial.
package api

import "context"

// Mycelial is the capability contract every communicating endpoint satisfies.
//
// Send performs the endpoint's outbound step and Receive its inbound step.
// Both act on the endpoint's own state; what travels and how is up to the
// implementation. Neither operation depends on the other having run first.
type Mycelial interface {
	Send(ctx context.Context) error
	Receive(ctx context.Context) error
}
