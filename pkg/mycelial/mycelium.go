package mycelial

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds SendAll and ReceiveAll fan-out.
const DefaultConcurrency = 16

// Mycelium is a set of nodes keyed by name. It implies no topology: SendAll
// and ReceiveAll just run the operation on every member.
type Mycelium struct {
	nodes cmap.ConcurrentMap[string, *Node]
	limit int
}

type MyceliumOption func(*Mycelium)

// WithConcurrency sets how many nodes SendAll and ReceiveAll run at once.
func WithConcurrency(n int) MyceliumOption {
	return func(m *Mycelium) {
		if n > 0 {
			m.limit = n
		}
	}
}

func NewMycelium(opts ...MyceliumOption) *Mycelium {
	m := &Mycelium{
		nodes: cmap.New[*Node](),
		limit: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mycelium) Add(n *Node) error {
	if n == nil {
		return ErrNilNode
	}
	if !m.nodes.SetIfAbsent(n.Name(), n) {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.Name())
	}
	return nil
}

// Replace stores n, displacing any node with the same name.
func (m *Mycelium) Replace(n *Node) {
	m.nodes.Set(n.Name(), n)
}

func (m *Mycelium) Remove(name string) (*Node, bool) {
	return m.nodes.Pop(name)
}

func (m *Mycelium) Get(name string) (*Node, bool) {
	return m.nodes.Get(name)
}

func (m *Mycelium) Len() int {
	return m.nodes.Count()
}

// Nodes returns the members sorted by name.
func (m *Mycelium) Nodes() []*Node {
	nodes := make([]*Node, 0, m.nodes.Count())
	for item := range m.nodes.IterBuffered() {
		nodes = append(nodes, item.Val)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name() < nodes[j].Name() })
	return nodes
}

func (m *Mycelium) SendAll(ctx context.Context) error {
	return m.each(ctx, (*Node).Send)
}

func (m *Mycelium) ReceiveAll(ctx context.Context) error {
	return m.each(ctx, (*Node).Receive)
}

// each runs fn on every node and joins every failure; one node failing does
// not stop the others.
func (m *Mycelium) each(ctx context.Context, fn func(*Node, context.Context) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.limit)
	for _, n := range m.Nodes() {
		n := n
		g.Go(func() error {
			if err := fn(n, ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
