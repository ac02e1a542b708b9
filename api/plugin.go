// Package api defines public API contracts for mycelial.
package api

// Plugin is a Mycelial endpoint built from configuration.
type Plugin interface {
	Mycelial
	Name() string
	Kind() string
	// Post queues a payload for the next Send.
	Post(payload []byte) error
	// Inbox returns the payloads collected by Receive, oldest first, and clears them.
	Inbox() [][]byte
	Close() error
}
