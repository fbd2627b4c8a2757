package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/puyokura/relaychat/model"
)

// Bus is an in-process shared channel. Each process, tab or component
// that wants its own view of the stream takes an Endpoint.
type Bus struct {
	id        string
	mu        sync.RWMutex
	endpoints map[*Memory]struct{}
}

func NewBus() *Bus {
	return &Bus{id: uuid.NewString(), endpoints: make(map[*Memory]struct{})}
}

// Endpoint attaches a new endpoint to the bus.
func (b *Bus) Endpoint(opts ...Option) *Memory {
	m := &Memory{endpoint: newEndpoint("memory", opts), bus: b}
	b.mu.Lock()
	b.endpoints[m] = struct{}{}
	b.mu.Unlock()
	return m
}

func (b *Bus) fanout(env *model.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for m := range b.endpoints {
		cp := *env
		m.receive(&cp)
	}
}

func (b *Bus) detach(m *Memory) {
	b.mu.Lock()
	delete(b.endpoints, m)
	b.mu.Unlock()
}

// Memory is one endpoint on a Bus.
type Memory struct {
	*endpoint
	bus *Bus
}

func (m *Memory) Publish(_ context.Context, env *model.Envelope) error {
	if m.closed() {
		return ErrClosed
	}
	m.stamp(env)
	m.bus.fanout(env)
	return nil
}

func (m *Memory) Stream() string { return "memory:" + m.bus.id }

func (m *Memory) Close() error {
	if m.shutdown() {
		m.bus.detach(m)
	}
	return nil
}
