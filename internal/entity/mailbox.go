package entity

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned when posting to a closed mailbox.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO queue drained by exactly one goroutine.
// Post never blocks, so entities can message each other without deadlock.
type Mailbox[M any] struct {
	mu     sync.Mutex
	queue  []M
	closed bool
	signal chan struct{}
	done   chan struct{}
}

// NewMailbox creates an empty mailbox
func NewMailbox[M any]() *Mailbox[M] {
	return &Mailbox[M]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues msg.
func (m *Mailbox[M]) Post(msg M) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued messages.
func (m *Mailbox[M]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Run calls handle for each message in arrival order until ctx is done or
// the mailbox is closed.
func (m *Mailbox[M]) Run(ctx context.Context, handle func(M)) {
	for {
		if ctx.Err() != nil {
			return
		}
		if msg, ok := m.next(); ok {
			handle(msg)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-m.signal:
		}
	}
}

func (m *Mailbox[M]) next() (M, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero M
	if m.closed || len(m.queue) == 0 {
		return zero, false
	}
	msg := m.queue[0]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return msg, true
}

// Close stops Run and rejects further posts. Queued messages are dropped.
func (m *Mailbox[M]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}
