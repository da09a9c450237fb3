package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the prometheus collectors of the streaming layer.
// All methods are safe on a nil *Recorder, which records nothing.
type Recorder struct {
	framesDropped  prometheus.Counter
	reconnects     prometheus.Counter
	connState      prometheus.Gauge
	ticksTotal     *prometheus.CounterVec
	listenerPanics prometheus.Counter
	adapterErrors  *prometheus.CounterVec
	subscriptions  prometheus.Gauge
	adapters       prometheus.Gauge
	archived       *prometheus.CounterVec
}

// New registers the collectors on reg. Tests pass prometheus.NewRegistry()
// so several recorders can coexist.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames that failed structural validation",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled by the connection manager",
		}),
		connState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Name:      "connection_state",
			Help:      "Aggregator connection state (0 idle, 1 connecting, 2 open, 3 closing, 4 closed, 5 error)",
		}),
		ticksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Name:      "ticks_total",
			Help:      "Ticks delivered to the bus",
		}, []string{"provider"}),
		listenerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream",
			Name:      "listener_panics_total",
			Help:      "Bus listeners that panicked during dispatch",
		}),
		adapterErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Name:      "adapter_errors_total",
			Help:      "Transport errors on direct provider adapters",
		}, []string{"provider"}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Name:      "subscriptions",
			Help:      "Entries in the aggregator subscription registry",
		}),
		adapters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Name:      "direct_adapters",
			Help:      "Open direct provider adapters",
		}),
		archived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Name:      "candles_archived_total",
			Help:      "Finalized candles written to the archive",
		}, []string{"timeframe"}),
	}
}

func (r *Recorder) FrameDropped() {
	if r == nil {
		return
	}
	r.framesDropped.Inc()
}

func (r *Recorder) Reconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

func (r *Recorder) SetConnectionState(state int) {
	if r == nil {
		return
	}
	r.connState.Set(float64(state))
}

func (r *Recorder) Ticks(provider string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.ticksTotal.WithLabelValues(provider).Add(float64(n))
}

func (r *Recorder) ListenerPanic() {
	if r == nil {
		return
	}
	r.listenerPanics.Inc()
}

func (r *Recorder) AdapterError(provider string) {
	if r == nil {
		return
	}
	r.adapterErrors.WithLabelValues(provider).Inc()
}

func (r *Recorder) SetSubscriptions(n int) {
	if r == nil {
		return
	}
	r.subscriptions.Set(float64(n))
}

func (r *Recorder) SetAdapters(n int) {
	if r == nil {
		return
	}
	r.adapters.Set(float64(n))
}

func (r *Recorder) CandlesArchived(timeframe string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.archived.WithLabelValues(timeframe).Add(float64(n))
}
