// Package direct holds the per-provider fallback connections that bypass
// the aggregator: exchange trade streams keyed by provider and symbol.
package direct

import (
	"context"
	"time"

	"tickstream/internal/bus"
	"tickstream/internal/metrics"

	"go.uber.org/zap"
)

// Adapter is one direct provider connection. Adapters reconnect on their
// own with a fixed delay and report through the bus under their provider
// name as Source.
type Adapter interface {
	// Start begins the connect loop. It returns immediately.
	Start()
	// Subscribe and Unsubscribe change the symbol set of a multiplexed
	// adapter. Single-symbol adapters ignore them.
	Subscribe(symbol string)
	Unsubscribe(symbol string)
	// Close stops the loop and waits for it to exit. It must not be called
	// from a listener of the adapter's own events.
	Close()
}

// sessionFunc runs one connection until it fails or ctx ends. It calls
// opened once the provider subscription has been written.
type sessionFunc func(ctx context.Context, opened func()) error

// loop runs sessions back to back, waiting retryDelay between them.
type loop struct {
	provider   string
	retryDelay time.Duration
	bus        *bus.Bus
	log        *zap.Logger
	metrics    *metrics.Recorder

	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) start(run sessionFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.run(ctx, run)
	}()
}

func (l *loop) stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *loop) run(ctx context.Context, session sessionFunc) {
	src := bus.Source(l.provider)
	for {
		opened := false
		err := session(ctx, func() {
			opened = true
			l.log.Info("direct stream open")
			l.bus.Emit(bus.Open{Source: src})
		})

		if ctx.Err() != nil {
			if opened {
				l.bus.Emit(bus.Close{Source: src, Manual: true})
			}
			return
		}
		if err != nil {
			l.metrics.AdapterError(l.provider)
			l.log.Warn("direct stream failed, retrying", zap.Error(err), zap.Duration("retry", l.retryDelay))
			l.bus.Emit(bus.Error{Source: src, Err: err})
		}
		if opened {
			l.bus.Emit(bus.Close{Source: src})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retryDelay):
		}
	}
}
