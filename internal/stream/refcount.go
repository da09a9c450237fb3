package stream

import (
	"sync"

	"tickstream/pkg/protocol"
)

// RefCounter lets many consumers share one registry entry. Only the 0→1 and
// 1→0 transitions reach the registry.
type RefCounter struct {
	mu     sync.Mutex
	counts map[protocol.Key]int
	reg    *Registry
}

func NewRefCounter(reg *Registry) *RefCounter {
	return &RefCounter{
		counts: make(map[protocol.Key]int),
		reg:    reg,
	}
}

// Attach adds one reference to route and returns the new count.
func (c *RefCounter) Attach(route protocol.Route) (int, error) {
	if err := protocol.Validate(route); err != nil {
		return 0, err
	}
	key := route.Key()

	// The lock spans the registry call so a concurrent Detach cannot slip
	// between the count check and the subscribe.
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.counts[key]
	if n == 0 {
		if _, err := c.reg.Subscribe(route); err != nil {
			return 0, err
		}
	}
	c.counts[key] = n + 1
	return n + 1, nil
}

// Detach drops one reference and returns the remaining count. Detaching a
// key with no references is a no-op.
func (c *RefCounter) Detach(key protocol.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[key]
	if !ok {
		return 0
	}
	if n > 1 {
		c.counts[key] = n - 1
		return n - 1
	}
	delete(c.counts, key)
	c.reg.Unsubscribe(key)
	return 0
}

// Count returns the current reference count of key.
func (c *RefCounter) Count(key protocol.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
