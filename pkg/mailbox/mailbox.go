// Package mailbox holds the payloads a plugin exchanges between its Send and
// Receive steps.
package mailbox

import (
	"errors"
	"fmt"
	"sync"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

// DefaultCapacity bounds each direction when no capacity is given.
const DefaultCapacity = 1024

var (
	ErrMailboxFull   = errors.New("mailbox full")
	ErrMailboxClosed = errors.New("mailbox closed")
)

type dropError struct {
	err error
}

func (e *dropError) Error() string { return e.err.Error() }
func (e *dropError) Unwrap() error { return e.err }

// Drop marks a transmit error as permanent: Flush discards the payload
// instead of keeping it at the head of the outbox.
func Drop(err error) error {
	if err == nil {
		return nil
	}
	return &dropError{err: err}
}

// queue is a bounded FIFO of payloads. Producers may run concurrently; the
// consuming side is serialised by popMu so a pop never blocks on an empty queue.
type queue struct {
	q     *queuepkg.Queue
	cap   int64
	putMu sync.Mutex
	popMu sync.Mutex
}

func newQueue(capacity int64) *queue {
	return &queue{q: queuepkg.New(capacity), cap: capacity}
}

func (q *queue) put(payload []byte) error {
	q.putMu.Lock()
	defer q.putMu.Unlock()
	if q.q.Disposed() {
		return ErrMailboxClosed
	}
	if q.q.Len() >= q.cap {
		return ErrMailboxFull
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	if err := q.q.Put(cp); err != nil {
		return translate(err)
	}
	return nil
}

func (q *queue) peek() ([]byte, error) {
	item, err := q.q.Peek()
	if err != nil {
		return nil, translate(err)
	}
	payload, ok := item.([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid queue element type %T", item)
	}
	return payload, nil
}

func (q *queue) discard() {
	_, _ = q.q.Get(1)
}

func (q *queue) pop() ([]byte, bool) {
	q.popMu.Lock()
	defer q.popMu.Unlock()
	if q.q.Empty() {
		return nil, false
	}
	items, err := q.q.Get(1)
	if err != nil || len(items) == 0 {
		return nil, false
	}
	payload, _ := items[0].([]byte)
	return payload, true
}

func (q *queue) drain() [][]byte {
	q.popMu.Lock()
	defer q.popMu.Unlock()
	n := q.q.Len()
	if n == 0 {
		return nil
	}
	items, err := q.q.Get(n)
	if err != nil {
		return nil
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		if payload, ok := item.([]byte); ok {
			out = append(out, payload)
		}
	}
	return out
}

func (q *queue) len() int {
	return int(q.q.Len())
}

func (q *queue) dispose() {
	q.putMu.Lock()
	defer q.putMu.Unlock()
	q.q.Dispose()
}

func translate(err error) error {
	switch {
	case errors.Is(err, queuepkg.ErrDisposed):
		return ErrMailboxClosed
	case errors.Is(err, queuepkg.ErrEmptyQueue):
		return nil
	default:
		return err
	}
}

// Mailbox pairs an outbox, drained by Flush, with an inbox, filled by Deliver.
type Mailbox struct {
	outbox  *queue
	inbox   *queue
	flushMu sync.Mutex
}

// New returns a mailbox whose directions each hold up to capacity payloads.
func New(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox{
		outbox: newQueue(int64(capacity)),
		inbox:  newQueue(int64(capacity)),
	}
}

// Post copies payload into the outbox.
func (m *Mailbox) Post(payload []byte) error {
	return m.outbox.put(payload)
}

// Flush hands outbox payloads to transmit in order. A payload leaves the
// outbox only once transmit succeeds, or fails with an error wrapped by Drop.
// Flush stops at the first other error and leaves that payload queued.
func (m *Mailbox) Flush(transmit func(payload []byte) error) (int, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	var (
		sent    int
		dropped []error
	)
	for {
		payload, err := m.outbox.peek()
		if err != nil {
			return sent, errors.Join(append(dropped, err)...)
		}
		if payload == nil {
			return sent, errors.Join(dropped...)
		}
		if terr := transmit(payload); terr != nil {
			var drop *dropError
			if !errors.As(terr, &drop) {
				return sent, errors.Join(append(dropped, terr)...)
			}
			dropped = append(dropped, drop.err)
		} else {
			sent++
		}
		m.outbox.discard()
	}
}

// Deliver copies payload into the inbox.
func (m *Mailbox) Deliver(payload []byte) error {
	return m.inbox.put(payload)
}

// Next pops the oldest inbox payload.
func (m *Mailbox) Next() ([]byte, bool) {
	return m.inbox.pop()
}

// Drain pops every inbox payload, oldest first.
func (m *Mailbox) Drain() [][]byte {
	return m.inbox.drain()
}

// Pending is the number of payloads waiting in the outbox.
func (m *Mailbox) Pending() int {
	return m.outbox.len()
}

// Buffered is the number of payloads waiting in the inbox.
func (m *Mailbox) Buffered() int {
	return m.inbox.len()
}

// Room is how many more payloads the inbox accepts.
func (m *Mailbox) Room() int {
	return int(m.inbox.cap) - m.inbox.len()
}

func (m *Mailbox) Closed() bool {
	return m.outbox.q.Disposed()
}

// Close disposes both queues. Queued payloads are discarded.
func (m *Mailbox) Close() error {
	m.outbox.dispose()
	m.inbox.dispose()
	return nil
}
