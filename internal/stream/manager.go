// Package stream owns the single aggregator connection: the subscription
// registry, its ref-counting wrapper and the reconnecting Manager.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tickstream/internal/bus"
	"tickstream/internal/metrics"
	"tickstream/pkg/protocol"

	"github.com/creasty/defaults"
	"go.uber.org/zap"
)

var (
	// ErrNoEndpoint is reported once per configuration when Connect is
	// called without a URL.
	ErrNoEndpoint = errors.New("stream: no endpoint configured")

	// ErrIdleTimeout is the cause reported when the watchdog closes a
	// connection that went silent.
	ErrIdleTimeout = errors.New("stream: no inbound frame within idle timeout")
)

// Options configures a Manager. Zero durations take the tagged defaults.
type Options struct {
	URL         string
	IdleTimeout time.Duration `default:"45s"`
	Backoff     Backoff

	Dialer    Dialer
	Scheduler Scheduler
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// Manager runs the connect/reconnect state machine of the aggregator
// connection. Every transition happens under mu; bus events are emitted
// after mu is released.
type Manager struct {
	mu sync.Mutex

	url       string
	state     State
	attempt   int
	gen       uint64 // bumped on every attempt, drop and manual close
	conn      Conn
	manual    bool
	reported  bool // ErrNoEndpoint already emitted for the current url
	lastFrame time.Time

	cancelDial     context.CancelFunc
	reconnectTimer Timer
	watchdogTimer  Timer

	registry    *Registry
	bus         *bus.Bus
	dialer      Dialer
	sched       Scheduler
	backoff     Backoff
	idleTimeout time.Duration
	log         *zap.Logger
	metrics     *metrics.Recorder
}

// NewManager builds a Manager and binds it as the registry's sender.
func NewManager(reg *Registry, b *bus.Bus, opts Options) (*Manager, error) {
	if err := defaults.Set(&opts); err != nil {
		return nil, fmt.Errorf("stream options: %w", err)
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second, WriteTimeout: 5 * time.Second}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		url:         opts.URL,
		state:       StateIdle,
		registry:    reg,
		bus:         b,
		dialer:      opts.Dialer,
		sched:       opts.Scheduler,
		backoff:     opts.Backoff,
		idleTimeout: opts.IdleTimeout,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	reg.Bind(m)
	return m, nil
}

// Connect starts a connection attempt. It is a no-op while connecting or
// open. Without a URL it reports ErrNoEndpoint once and does nothing else.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.url == "" {
		report := !m.reported
		m.reported = true
		m.mu.Unlock()
		if report {
			m.log.Error("aggregator endpoint is not configured")
			m.bus.Emit(bus.Error{Source: bus.SourceAggregator, Err: ErrNoEndpoint})
		}
		return
	}
	if m.state.Active() {
		m.mu.Unlock()
		return
	}
	m.manual = false
	ctx, g, url := m.beginAttemptLocked()
	m.mu.Unlock()

	go m.dial(ctx, g, url)
}

// Close shuts the connection down and suppresses reconnection until the
// next explicit Connect. The registry is kept for the next open.
func (m *Manager) Close() {
	m.mu.Lock()
	prev := m.state
	m.manual = true
	m.stopTimersLocked()
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.setStateLocked(StateClosing)
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if prev != StateClosed {
		m.log.Info("aggregator connection closed", zap.Stringer("from", prev))
		m.bus.Emit(bus.Close{Source: bus.SourceAggregator, Manual: true})
	}
}

// Send writes req if the connection is open. False means the request was
// not written; registry entries are replayed on the next open anyway.
func (m *Manager) Send(req protocol.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.conn == nil {
		return false
	}
	return m.writeLocked(req)
}

// SetURL replaces the endpoint used by the next attempt and re-arms the
// missing-endpoint report.
func (m *Manager) SetURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = url
	m.reported = false
}

func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of consecutive failed connections.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) beginAttemptLocked() (context.Context, uint64, string) {
	m.stopTimersLocked()
	if m.cancelDial != nil {
		m.cancelDial()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.gen++
	m.setStateLocked(StateConnecting)
	m.log.Info("connecting to aggregator", zap.String("url", m.url), zap.Int("attempt", m.attempt))
	return ctx, m.gen, m.url
}

func (m *Manager) dial(ctx context.Context, g uint64, url string) {
	conn, err := m.dialer.Dial(ctx, url, func() { m.touch(g) })
	if err != nil {
		m.handleDrop(g, fmt.Errorf("dial %s: %w", url, err))
		return
	}

	// Open and replay under the registry lock: a concurrent Subscribe either
	// lands in this replay or sends after it, never both.
	opened := false
	m.registry.Replay(func(routes []protocol.Route) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if g != m.gen || m.state != StateConnecting {
			return
		}
		opened = true
		m.conn = conn
		m.attempt = 0
		m.lastFrame = m.sched.Now()
		m.setStateLocked(StateOpen)
		m.armWatchdogLocked(g, m.idleTimeout)
		for _, r := range routes {
			m.writeLocked(protocol.Subscribe(r))
		}
		m.log.Info("aggregator connection open", zap.String("url", url), zap.Int("replayed", len(routes)))
	})
	if !opened {
		_ = conn.Close()
		return
	}

	m.bus.Emit(bus.Open{Source: bus.SourceAggregator, URL: url})
	go m.readLoop(g, conn)
}

func (m *Manager) readLoop(g uint64, conn Conn) {
	for {
		b, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(g, err)
			return
		}
		if !m.touch(g) {
			return
		}
		m.dispatch(b)
	}
}

// touch records inbound traffic and reports whether g is still current.
func (m *Manager) touch(g uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g != m.gen {
		return false
	}
	m.lastFrame = m.sched.Now()
	return true
}

func (m *Manager) dispatch(b []byte) {
	frame, err := protocol.Decode(b)
	if err != nil {
		m.metrics.FrameDropped()
		m.log.Debug("dropping malformed frame", zap.Int("bytes", len(b)), zap.Error(err))
		return
	}

	switch f := frame.(type) {
	case protocol.AckFrame:
		m.bus.Emit(bus.Ack{
			Unsub:     f.Unsub,
			Provider:  f.Provider,
			Symbol:    f.Symbol,
			Message:   f.Message,
			Timestamp: f.Timestamp,
		})
	case protocol.ErrorFrame:
		m.log.Warn("aggregator reported an error", zap.String("message", f.Message))
		m.bus.Emit(bus.ErrorMsg{Message: f.Message})
	case protocol.TicksFrame:
		if len(f.Ticks) == 0 {
			return
		}
		for _, t := range f.Ticks {
			m.metrics.Ticks(t.Provider, 1)
		}
		m.bus.Emit(bus.Ticks{Source: bus.SourceAggregator, Ticks: f.Ticks})
	}
}

func (m *Manager) handleDrop(g uint64, cause error) {
	m.mu.Lock()
	if g != m.gen || !m.state.Active() {
		m.mu.Unlock()
		return
	}
	events := m.dropLocked(cause)
	m.mu.Unlock()

	for _, e := range events {
		m.bus.Emit(e)
	}
}

// dropLocked tears the current connection down and schedules the next
// attempt. It returns the events to emit once mu is released.
func (m *Manager) dropLocked(cause error) []bus.Event {
	m.stopTimersLocked()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	var events []bus.Event
	if errors.Is(cause, ErrNormalClosure) {
		m.setStateLocked(StateClosed)
	} else {
		m.setStateLocked(StateError)
		events = append(events, bus.Error{Source: bus.SourceAggregator, Err: cause})
	}
	events = append(events, bus.Close{Source: bus.SourceAggregator})

	delay := m.backoff.Delay(m.attempt)
	m.attempt++
	m.gen++
	g := m.gen
	m.reconnectTimer = m.sched.AfterFunc(delay, func() { m.reconnect(g) })
	m.metrics.Reconnect()

	m.log.Warn("aggregator connection lost, reconnect scheduled",
		zap.Error(cause),
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempt),
	)
	return events
}

func (m *Manager) reconnect(g uint64) {
	m.mu.Lock()
	if g != m.gen || m.manual || m.state.Active() {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	if m.url == "" {
		m.mu.Unlock()
		return
	}
	ctx, next, url := m.beginAttemptLocked()
	m.mu.Unlock()

	go m.dial(ctx, next, url)
}

func (m *Manager) armWatchdogLocked(g uint64, d time.Duration) {
	if m.idleTimeout <= 0 {
		return
	}
	m.watchdogTimer = m.sched.AfterFunc(d, func() { m.checkIdle(g) })
}

func (m *Manager) checkIdle(g uint64) {
	m.mu.Lock()
	if g != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	idle := m.sched.Now().Sub(m.lastFrame)
	if idle < m.idleTimeout {
		m.armWatchdogLocked(g, m.idleTimeout-idle)
		m.mu.Unlock()
		return
	}
	m.log.Warn("no inbound frame, forcing reconnect", zap.Duration("idle", idle))
	events := m.dropLocked(ErrIdleTimeout)
	m.mu.Unlock()

	for _, e := range events {
		m.bus.Emit(e)
	}
}

func (m *Manager) writeLocked(req protocol.Request) bool {
	b, err := protocol.Encode(req)
	if err != nil {
		m.log.Error("failed to encode request", zap.Error(err))
		return false
	}
	if err := m.conn.WriteMessage(b); err != nil {
		m.log.Debug("write failed", zap.String("action", string(req.Action)), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) stopTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
		m.watchdogTimer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.SetConnectionState(int(s))
}
