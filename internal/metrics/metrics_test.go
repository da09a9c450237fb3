package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.FrameDropped()
	r.Reconnect()
	r.SetConnectionState(2)
	r.Ticks("binance", 3)
	r.ListenerPanic()
	r.AdapterError("finnhub")
	r.SetSubscriptions(1)
	r.SetAdapters(1)
	r.CandlesArchived("1m", 1)
}

// go test -v --run TestRecorderCounters
func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Ticks("binance", 3)
	r.Ticks("binance", 0)
	r.Ticks("finnhub", 1)
	r.SetConnectionState(2)

	expected := `
# HELP tickstream_ticks_total Ticks delivered to the bus
# TYPE tickstream_ticks_total counter
tickstream_ticks_total{provider="binance"} 3
tickstream_ticks_total{provider="finnhub"} 1
# HELP tickstream_connection_state Aggregator connection state (0 idle, 1 connecting, 2 open, 3 closing, 4 closed, 5 error)
# TYPE tickstream_connection_state gauge
tickstream_connection_state 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tickstream_ticks_total", "tickstream_connection_state"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}
