package bus

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Bus. Publish delivers synchronously to every
// matching subscription, which makes it suitable for tests and single-node
// setups without a broker.
type Memory struct {
	mu     sync.RWMutex
	subs   []memorySub
	closed bool
}

type memorySub struct {
	filter  string
	handler Handler
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{}
}

// Subscribe registers handler for every topic matching filter.
func (m *Memory) Subscribe(filter string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.subs = append(m.subs, memorySub{filter: filter, handler: handler})
	return nil
}

// Publish delivers payload to the matching handlers.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	var targets []Handler
	for _, s := range m.subs {
		if Match(s.filter, topic) {
			targets = append(targets, s.handler)
		}
	}
	m.mu.RUnlock()

	for _, h := range targets {
		h(topic, payload)
	}
	return nil
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = nil
	return nil
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
