// Package mycelial holds the node container, the network of nodes and the
// deferred-completion adapter built on the api.Mycelial contract.
package mycelial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/mycelial/api"
)

// KindCustom is reported for endpoints that do not name their kind.
const KindCustom = "custom"

// Op names one side of the contract.
type Op string

const (
	OpSend    Op = "send"
	OpReceive Op = "receive"
)

// Observer is told about every operation a node runs.
type Observer interface {
	Observe(node string, op Op, d time.Duration, err error)
}

// Stats counts a node's operations.
type Stats struct {
	Sends           uint64
	Receives        uint64
	SendFailures    uint64
	ReceiveFailures uint64
	LastSend        time.Time
	LastReceive     time.Time
	LastError       string
}

// Node is a participant in the mycelium. It owns exactly one endpoint and is
// itself an api.Mycelial that delegates to it.
type Node struct {
	id       string
	name     string
	kind     string
	endpoint api.Mycelial
	observer Observer

	mu    sync.RWMutex
	stats Stats
}

var _ api.Mycelial = (*Node)(nil)

type Option func(*Node)

func WithID(id string) Option {
	return func(n *Node) { n.id = id }
}

func WithKind(kind string) Option {
	return func(n *Node) { n.kind = kind }
}

func WithObserver(o Observer) Option {
	return func(n *Node) { n.observer = o }
}

// NewNode wraps endpoint. The kind defaults to the endpoint's own Kind, when
// it has one.
func NewNode(name string, endpoint api.Mycelial, opts ...Option) (*Node, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if endpoint == nil {
		return nil, ErrNilEndpoint
	}
	n := &Node{name: name, endpoint: endpoint, kind: KindCustom}
	if k, ok := endpoint.(interface{ Kind() string }); ok {
		n.kind = k.Kind()
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.id == "" {
		n.id = uuid.NewString()
	}
	return n, nil
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Name() string { return n.name }
func (n *Node) Kind() string { return n.kind }

// Endpoint returns the value the node holds.
func (n *Node) Endpoint() api.Mycelial { return n.endpoint }

func (n *Node) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

func (n *Node) Send(ctx context.Context) error {
	return n.call(ctx, OpSend, n.endpoint.Send)
}

func (n *Node) Receive(ctx context.Context) error {
	return n.call(ctx, OpReceive, n.endpoint.Receive)
}

func (n *Node) call(ctx context.Context, op Op, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	end := time.Now()
	n.record(op, end, err)
	if n.observer != nil {
		n.observer.Observe(n.name, op, end.Sub(start), err)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", n.name, op, err)
	}
	return nil
}

func (n *Node) record(op Op, at time.Time, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch op {
	case OpSend:
		n.stats.Sends++
		if err != nil {
			n.stats.SendFailures++
		} else {
			n.stats.LastSend = at
		}
	case OpReceive:
		n.stats.Receives++
		if err != nil {
			n.stats.ReceiveFailures++
		} else {
			n.stats.LastReceive = at
		}
	}
	if err != nil {
		n.stats.LastError = err.Error()
	}
}
