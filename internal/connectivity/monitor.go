// Package connectivity tracks whether the remote store is believed reachable
// and tells subscribers when that belief changes.
package connectivity

import (
	"log/slog"
	"sync"
)

// Listener is called with the new state after every transition.
type Listener func(online bool)

// Monitor holds the current online flag. Listeners fire only when the flag
// actually flips, in subscription order, outside the monitor's lock.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners []subscription
	logger    *slog.Logger
}

type subscription struct {
	id int
	fn Listener
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a monitor with the given initial state.
func New(initial bool, opts ...Option) *Monitor {
	m := &Monitor{online: initial, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a platform report. It returns true if the state changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, sub := range m.listeners {
		listeners = append(listeners, sub.fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// Subscribe registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.listeners {
			if sub.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}
