package mycelial

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNode(t *testing.T, name string, ep *kindedEndpoint) *Node {
	t.Helper()
	n, err := NewNode(name, ep)
	require.NoError(t, err)
	return n
}

func TestMyceliumRegistry(t *testing.T) {
	m := NewMycelium()
	a := mustNode(t, "b-node", &kindedEndpoint{})
	b := mustNode(t, "a-node", &kindedEndpoint{})

	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))
	assert.ErrorIs(t, m.Add(mustNode(t, "a-node", &kindedEndpoint{})), ErrNodeExists)
	assert.ErrorIs(t, m.Add(nil), ErrNilNode)
	assert.Equal(t, 2, m.Len())

	nodes := m.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "a-node", nodes[0].Name())
	assert.Equal(t, "b-node", nodes[1].Name())

	got, ok := m.Get("b-node")
	assert.True(t, ok)
	assert.Same(t, a, got)

	replacement := mustNode(t, "b-node", &kindedEndpoint{})
	m.Replace(replacement)
	got, _ = m.Get("b-node")
	assert.Same(t, replacement, got)

	removed, ok := m.Remove("b-node")
	assert.True(t, ok)
	assert.Same(t, replacement, removed)
	_, ok = m.Get("b-node")
	assert.False(t, ok)
}

func TestMyceliumFanOut(t *testing.T) {
	m := NewMycelium(WithConcurrency(2))
	var eps []*kindedEndpoint
	for _, name := range []string{"n1", "n2", "n3", "n4"} {
		ep := &kindedEndpoint{}
		eps = append(eps, ep)
		require.NoError(t, m.Add(mustNode(t, name, ep)))
	}

	require.NoError(t, m.SendAll(context.Background()))
	require.NoError(t, m.ReceiveAll(context.Background()))
	for _, ep := range eps {
		assert.True(t, ep.send)
		assert.True(t, ep.receive)
	}
}

func TestMyceliumJoinsFailures(t *testing.T) {
	e1 := errors.New("first down")
	e2 := errors.New("second down")
	m := NewMycelium()
	require.NoError(t, m.Add(mustNode(t, "ok", &kindedEndpoint{})))
	require.NoError(t, m.Add(mustNode(t, "bad1", &kindedEndpoint{err: e1})))
	require.NoError(t, m.Add(mustNode(t, "bad2", &kindedEndpoint{err: e2})))

	err := m.SendAll(context.Background())
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	assert.Contains(t, err.Error(), "bad1 send")

	ok, _ := m.Get("ok")
	assert.Equal(t, uint64(1), ok.Stats().Sends)
}
