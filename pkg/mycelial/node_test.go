package mycelial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	name    string
	send    bool
	receive bool
}

func newTestNode(name string) *testNode {
	return &testNode{name: name}
}

func (n *testNode) Name() string { return n.name }

func (n *testNode) Send(context.Context) error {
	n.send = true
	return nil
}

func (n *testNode) Receive(context.Context) error {
	n.receive = true
	return nil
}

func TestSend(t *testing.T) {
	name := "Test Node"
	tn := newTestNode(name)
	assert.Equal(t, name, tn.Name())

	require.NoError(t, tn.Send(context.Background()))
	assert.True(t, tn.send)
	assert.False(t, tn.receive)

	require.NoError(t, tn.Receive(context.Background()))
	assert.True(t, tn.receive)
}

func TestSendReceiveOrderIndependent(t *testing.T) {
	ctx := context.Background()

	a := newTestNode("a")
	require.NoError(t, a.Send(ctx))
	require.NoError(t, a.Receive(ctx))

	b := newTestNode("b")
	require.NoError(t, b.Receive(ctx))
	require.NoError(t, b.Send(ctx))

	assert.True(t, a.send && a.receive)
	assert.Equal(t, a.send, b.send)
	assert.Equal(t, a.receive, b.receive)
}

func TestNewNodeValidation(t *testing.T) {
	_, err := NewNode("", newTestNode("x"))
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = NewNode("x", nil)
	assert.ErrorIs(t, err, ErrNilEndpoint)
}

func TestNodeDelegates(t *testing.T) {
	tn := newTestNode("Test Node")
	n, err := NewNode("Test Node", tn)
	require.NoError(t, err)

	assert.Equal(t, "Test Node", n.Name())
	assert.Equal(t, KindCustom, n.Kind())
	assert.NotEmpty(t, n.ID())
	assert.Same(t, tn, n.Endpoint())

	require.NoError(t, n.Send(context.Background()))
	assert.True(t, tn.send)
	assert.False(t, tn.receive)
	require.NoError(t, n.Receive(context.Background()))
	assert.True(t, tn.receive)

	st := n.Stats()
	assert.Equal(t, uint64(1), st.Sends)
	assert.Equal(t, uint64(1), st.Receives)
	assert.False(t, st.LastSend.IsZero())
	assert.False(t, st.LastReceive.IsZero())
	assert.Empty(t, st.LastError)
}

type kindedEndpoint struct {
	testNode
	err error
}

func (k *kindedEndpoint) Kind() string { return "outlet" }

func (k *kindedEndpoint) Send(ctx context.Context) error {
	_ = k.testNode.Send(ctx)
	return k.err
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (o *recordingObserver) Observe(node string, op Op, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, node+":"+string(op))
	o.errs = append(o.errs, err)
}

func TestNodeFailuresAndOptions(t *testing.T) {
	boom := errors.New("unreachable")
	ep := &kindedEndpoint{err: boom}
	obs := &recordingObserver{}
	n, err := NewNode("porch", ep, WithID("fixed-id"), WithObserver(obs))
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", n.ID())
	assert.Equal(t, "outlet", n.Kind())

	err = n.Send(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "porch send")

	st := n.Stats()
	assert.Equal(t, uint64(1), st.SendFailures)
	assert.True(t, st.LastSend.IsZero())
	assert.Equal(t, boom.Error(), st.LastError)

	require.NoError(t, n.Receive(context.Background()))
	assert.Equal(t, []string{"porch:send", "porch:receive"}, obs.calls)
	assert.ErrorIs(t, obs.errs[0], boom)
	assert.NoError(t, obs.errs[1])

	n2, err := NewNode("porch", ep, WithKind("override"))
	require.NoError(t, err)
	assert.Equal(t, "override", n2.Kind())
}
