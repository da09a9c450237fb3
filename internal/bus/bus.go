// Package bus fans typed events out to registered listeners.
package bus

import (
	"sync"

	"tickstream/internal/metrics"

	"go.uber.org/zap"
)

// Handler receives one event. It runs on the emitting goroutine.
type Handler func(Event)

type listener struct {
	id uint64
	fn Handler
}

// Bus dispatches each event synchronously, in registration order, to every
// listener of its kind. A panicking listener is logged and skipped; the rest
// still run.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Kind][]listener

	log     *zap.Logger
	metrics *metrics.Recorder
}

func New(log *zap.Logger, rec *metrics.Recorder) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[Kind][]listener),
		log:       log,
		metrics:   rec,
	}
}

// On registers h for kind k and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) On(k Kind, h Handler) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[k] = append(b.listeners[k], listener{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(k, id) })
	}
}

// OnTicks registers a listener for tick batches.
func (b *Bus) OnTicks(fn func(Ticks)) (off func()) {
	return b.On(KindTicks, func(e Event) {
		if t, ok := e.(Ticks); ok {
			fn(t)
		}
	})
}

// OnError registers a listener for transport errors.
func (b *Bus) OnError(fn func(Error)) (off func()) {
	return b.On(KindError, func(e Event) {
		if er, ok := e.(Error); ok {
			fn(er)
		}
	})
}

func (b *Bus) remove(k Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[k]
	for i, l := range ls {
		if l.id == id {
			// copy so that snapshots held by in-flight Emit calls stay intact
			next := make([]listener, 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			b.listeners[k] = next
			return
		}
	}
}

// Emit delivers e to the listeners registered at the time of the call.
func (b *Bus) Emit(e Event) {
	if e == nil {
		return
	}
	k := e.Kind()

	b.mu.RLock()
	snapshot := b.listeners[k]
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.call(k, l, e)
	}
}

func (b *Bus) call(k Kind, l listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.ListenerPanic()
			b.log.Error("bus listener panicked",
				zap.Stringer("kind", k),
				zap.Uint64("listener", l.id),
				zap.Any("panic", r),
			)
		}
	}()
	l.fn(e)
}

// ListenerCount returns the number of listeners registered for k.
func (b *Bus) ListenerCount(k Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[k])
}
