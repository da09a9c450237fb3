package direct

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"tickstream/internal/metrics"

	"go.uber.org/zap"
)

// ErrUnknownProvider is returned for a provider the pool has no factory for.
var ErrUnknownProvider = errors.New("direct: unknown provider")

// Provider describes how to build adapters for one provider.
type Provider struct {
	Name string
	// Multiplexed providers share one adapter for all symbols; the others
	// get one adapter per symbol.
	Multiplexed bool
	// New builds an adapter. symbol is empty for multiplexed providers.
	New func(symbol string) Adapter
}

type poolEntry struct {
	adapter Adapter
	refs    int // symbols using this adapter
}

// Pool hands out ref-counted adapters keyed by provider (multiplexed) or
// by provider and symbol. An adapter is closed when its last symbol is
// released.
type Pool struct {
	mu        sync.Mutex
	providers map[string]Provider
	adapters  map[string]*poolEntry
	symbols   map[string]int // provider:SYMBOL -> consumers

	log     *zap.Logger
	metrics *metrics.Recorder
}

func NewPool(log *zap.Logger, rec *metrics.Recorder, providers ...Provider) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		providers: make(map[string]Provider),
		adapters:  make(map[string]*poolEntry),
		symbols:   make(map[string]int),
		log:       log,
		metrics:   rec,
	}
	for _, pr := range providers {
		p.providers[strings.ToLower(pr.Name)] = pr
	}
	return p
}

// Acquire registers one consumer of symbol on provider, starting the
// adapter if needed.
func (p *Pool) Acquire(provider, symbol string) error {
	provider, symbol = normalize(provider, symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	pr, ok := p.providers[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	symKey := provider + ":" + symbol
	if n := p.symbols[symKey]; n > 0 {
		p.symbols[symKey] = n + 1
		return nil
	}

	key := adapterKey(pr, symbol)
	e, ok := p.adapters[key]
	if !ok {
		var sym string
		if !pr.Multiplexed {
			sym = symbol
		}
		e = &poolEntry{adapter: pr.New(sym)}
		p.adapters[key] = e
		e.adapter.Start()
		p.log.Info("direct adapter started", zap.String("adapter", key))
	}
	e.refs++
	e.adapter.Subscribe(symbol)
	p.symbols[symKey] = 1
	p.metrics.SetAdapters(len(p.adapters))
	return nil
}

// Release drops one consumer of symbol. The last consumer unsubscribes the
// symbol, and the last symbol of an adapter closes it.
func (p *Pool) Release(provider, symbol string) {
	provider, symbol = normalize(provider, symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	symKey := provider + ":" + symbol
	n, ok := p.symbols[symKey]
	if !ok {
		return
	}
	if n > 1 {
		p.symbols[symKey] = n - 1
		return
	}
	delete(p.symbols, symKey)

	key := adapterKey(p.providers[provider], symbol)
	e, ok := p.adapters[key]
	if !ok {
		return
	}
	e.adapter.Unsubscribe(symbol)
	e.refs--
	if e.refs == 0 {
		e.adapter.Close()
		delete(p.adapters, key)
		p.log.Info("direct adapter closed", zap.String("adapter", key))
	}
	p.metrics.SetAdapters(len(p.adapters))
}

// Refs returns the consumer count of symbol on provider.
func (p *Pool) Refs(provider, symbol string) int {
	provider, symbol = normalize(provider, symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.symbols[provider+":"+symbol]
}

// Len returns the number of running adapters.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.adapters)
}

// Close stops every adapter and forgets all consumers.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.adapters
	p.adapters = make(map[string]*poolEntry)
	p.symbols = make(map[string]int)
	p.mu.Unlock()

	for key, e := range entries {
		e.adapter.Close()
		p.log.Info("direct adapter closed", zap.String("adapter", key))
	}
	p.metrics.SetAdapters(0)
}

func adapterKey(pr Provider, symbol string) string {
	name := strings.ToLower(pr.Name)
	if pr.Multiplexed {
		return name
	}
	return name + ":" + symbol
}

func normalize(provider, symbol string) (string, string) {
	return strings.ToLower(strings.TrimSpace(provider)), strings.ToUpper(strings.TrimSpace(symbol))
}
