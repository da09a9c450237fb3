package bus

import (
	"tickstream/pkg/market"
)

// Kind is the closed set of channels the bus dispatches on.
type Kind int

const (
	KindOpen Kind = iota
	KindClose
	KindError    // transport-level failure
	KindErrorMsg // protocol error reported by the endpoint
	KindAck
	KindAckUnsub
	KindTicks
)

var kindNames = [...]string{"open", "close", "error", "errorMsg", "ack", "ack_unsub", "ticks"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Kinds lists every channel, in declaration order.
func Kinds() []Kind {
	return []Kind{KindOpen, KindClose, KindError, KindErrorMsg, KindAck, KindAckUnsub, KindTicks}
}

// Event is implemented only by the event types in this package.
type Event interface {
	Kind() Kind
	event()
}

// Source names the emitter: "aggregator" or a direct provider name.
type Source string

const SourceAggregator Source = "aggregator"

type Open struct {
	Source Source
	URL    string
}

type Close struct {
	Source Source
	Manual bool // user-initiated close; no reconnect follows
}

type Error struct {
	Source Source
	Err    error
}

type ErrorMsg struct {
	Message string
}

type Ack struct {
	Unsub     bool
	Provider  string
	Symbol    string
	Message   string
	Timestamp int64
}

type Ticks struct {
	Source Source
	Ticks  []market.Tick
}

func (Open) Kind() Kind     { return KindOpen }
func (Close) Kind() Kind    { return KindClose }
func (Error) Kind() Kind    { return KindError }
func (ErrorMsg) Kind() Kind { return KindErrorMsg }
func (Ticks) Kind() Kind    { return KindTicks }

func (Open) event()     {}
func (Close) event()    {}
func (Error) event()    {}
func (ErrorMsg) event() {}
func (Ack) event()      {}
func (Ticks) event()    {}

func (a Ack) Kind() Kind {
	if a.Unsub {
		return KindAckUnsub
	}
	return KindAck
}
