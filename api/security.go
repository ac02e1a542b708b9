// Package api defines public API contracts for mycelial.
package api

// Signer signs outbound payloads and verifies inbound ones.
type Signer interface {
	Sign(payload []byte) string
	Verify(payload []byte, signature string) error
}
