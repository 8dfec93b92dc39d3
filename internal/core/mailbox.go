package core

import "sync"

// mailbox is an unbounded FIFO of closures drained by one goroutine.
// push never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// run executes closures in order until the mailbox is closed and empty.
func (m *mailbox) run() {
	for {
		m.mu.Lock()
		batch := m.items
		m.items = nil
		closed := m.closed
		m.mu.Unlock()

		for i, fn := range batch {
			fn()
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.wake
	}
}
