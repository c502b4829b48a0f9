package transport

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// MemoryChannel is an in-process broadcast channel. Several Endpoints
// attached to one channel see each other's messages; an endpoint never
// sees its own. Used for tests and single-process setups.
type MemoryChannel struct {
	mu        sync.RWMutex
	endpoints map[int]*MemoryEndpoint
	nextID    int
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{endpoints: map[int]*MemoryEndpoint{}}
}

// Endpoint attaches a new transport to the channel.
func (c *MemoryChannel) Endpoint() *MemoryEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	ep := &MemoryEndpoint{channel: c, id: c.nextID}
	c.endpoints[ep.id] = ep
	return ep
}

func (c *MemoryChannel) broadcast(from int, msg Message) {
	c.mu.RLock()
	targets := make([]*MemoryEndpoint, 0, len(c.endpoints))
	for id, ep := range c.endpoints {
		if id != from {
			targets = append(targets, ep)
		}
	}
	c.mu.RUnlock()
	for _, ep := range targets {
		ep.deliver(msg)
	}
}

func (c *MemoryChannel) detach(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, id)
}

// MemoryEndpoint implements Transport against a MemoryChannel.
type MemoryEndpoint struct {
	channel  *MemoryChannel
	id       int
	mu       sync.RWMutex
	handlers map[int]Handler
	nextSub  int
	closed   bool
}

func (e *MemoryEndpoint) Publish(msg Message) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	e.channel.broadcast(e.id, msg)
	return nil
}

func (e *MemoryEndpoint) Subscribe(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = map[int]Handler{}
	}
	e.nextSub++
	id := e.nextSub
	e.handlers[id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.handlers = nil
	e.mu.Unlock()
	e.channel.detach(e.id)
	return nil
}

func (e *MemoryEndpoint) deliver(msg Message) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}
