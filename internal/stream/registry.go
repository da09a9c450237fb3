package stream

import (
	"sync"

	"tickstream/pkg/protocol"
)

// Sender writes a request to the live connection and reports whether it did.
type Sender interface {
	Send(req protocol.Request) bool
}

// Registry is the set of subscriptions the aggregator should be serving.
// It is replayed in insertion order every time the connection opens.
type Registry struct {
	mu      sync.Mutex
	routes  map[protocol.Key]protocol.Route
	order   []protocol.Key
	sender  Sender
	onCount func(n int)
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[protocol.Key]protocol.Route)}
}

// Bind sets the sender used for immediate sends. It is called once while
// wiring, before any Subscribe.
func (r *Registry) Bind(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

// OnCount registers a hook called with the entry count after each change.
func (r *Registry) OnCount(fn func(n int)) {
	r.mu.Lock()
	r.onCount = fn
	r.mu.Unlock()
}

// Subscribe stores route and sends it if the key is new. For a known key
// the stored route is refreshed and nothing is sent. It reports whether a
// frame went out.
func (r *Registry) Subscribe(route protocol.Route) (bool, error) {
	if err := protocol.Validate(route); err != nil {
		return false, err
	}
	key := route.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[key]; ok {
		r.routes[key] = route
		return false, nil
	}
	r.routes[key] = route
	r.order = append(r.order, key)
	r.notify()

	if r.sender == nil {
		return false, nil
	}
	return r.sender.Send(protocol.Subscribe(route)), nil
}

// Unsubscribe removes key and sends the unsubscribe frame once. A failed
// send is not retried; the entry is gone either way.
func (r *Registry) Unsubscribe(key protocol.Key) (existed, sent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, ok := r.routes[key]
	if !ok {
		return false, false
	}
	delete(r.routes, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.notify()

	if r.sender == nil {
		return true, false
	}
	return true, r.sender.Send(protocol.Unsubscribe(route))
}

// Replay calls fn with every stored route in insertion order. Subscribe and
// Unsubscribe block until fn returns.
func (r *Registry) Replay(fn func(routes []protocol.Route)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.routesLocked())
}

// Routes returns the stored routes in insertion order.
func (r *Registry) Routes() []protocol.Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routesLocked()
}

func (r *Registry) Has(key protocol.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) routesLocked() []protocol.Route {
	out := make([]protocol.Route, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.routes[k])
	}
	return out
}

func (r *Registry) notify() {
	if r.onCount != nil {
		r.onCount(len(r.order))
	}
}
