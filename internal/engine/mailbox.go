package engine

import "sync"

// mailbox is a one-slot wakeup channel for the Run loop.
//
// A post stays outstanding from the moment it is made until the reader
// acknowledges the cycle it caused with Ack. Posts made while one is
// outstanding, including while the reader is between receiving and
// draining, coalesce into it. Closing wakes the reader with ok=false.
type mailbox struct {
	mu          sync.Mutex
	closed      bool
	outstanding bool
	signal      chan struct{} // buffered, size 1
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// Post requests a wakeup. Returns false if the mailbox is closed.
func (m *mailbox) Post() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.outstanding {
		return true
	}
	m.outstanding = true
	m.signal <- struct{}{}
	return true
}

// Ack marks the current wakeup as handled; the next Post signals again.
func (m *mailbox) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outstanding = false
}

// Wait returns the channel the Run loop selects on.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

// Pending reports whether a wakeup is waiting to be consumed.
func (m *mailbox) Pending() bool {
	return len(m.signal) > 0
}

// Outstanding reports whether a wakeup was posted and not yet acknowledged.
func (m *mailbox) Outstanding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// Close stops accepting posts and wakes any waiter.
func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
