package bus

import (
	"context"
	"sync"
)

// Memory is an in-process transport linking a group of instances directly.
// It models the asynchronous message passing between independent instances
// without a broker and is what the tests use to stand up sibling instances.
type Memory struct {
	group *memoryGroup

	mu      sync.Mutex
	handler Handler
	queue   chan Message
	done    chan struct{}
	closed  bool
}

type memoryGroup struct {
	mu      sync.Mutex
	members []*Memory
}

// NewMemoryGroup creates n linked in-process transports. A message published
// on one is delivered, asynchronously but in publish order, to all others.
func NewMemoryGroup(n int) []*Memory {
	group := &memoryGroup{}
	members := make([]*Memory, n)
	for i := range members {
		m := &Memory{
			group: group,
			queue: make(chan Message, 64),
			done:  make(chan struct{}),
		}
		go m.pump()
		members[i] = m
	}
	group.members = members
	return members
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.group.mu.Lock()
	defer m.group.mu.Unlock()

	for _, member := range m.group.members {
		if member == m {
			continue
		}
		member.enqueue(msg)
	}
	return nil
}

func (m *Memory) Handle(fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *Memory) enqueue(msg Message) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	select {
	case m.queue <- msg:
	case <-m.done:
	}
}

// pump delivers queued messages one at a time, preserving arrival order.
func (m *Memory) pump() {
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.queue:
			m.mu.Lock()
			handler := m.handler
			m.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}
