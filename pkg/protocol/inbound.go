package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tickstream/pkg/market"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedFrame marks an inbound frame that matched no known shape.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType is the discriminant of an inbound frame.
type FrameType string

const (
	FrameAck      FrameType = "ack"
	FrameAckUnsub FrameType = "ack_unsub"
	FrameError    FrameType = "error"
	FrameTicks    FrameType = "ticks"
)

// Frame is a decoded, validated inbound message.
type Frame interface {
	Type() FrameType
}

// AckFrame confirms a subscribe (Unsub=false) or unsubscribe (Unsub=true) and
// carries the provider and symbol the endpoint actually bound.
type AckFrame struct {
	Unsub     bool
	Provider  string
	Symbol    string
	Message   string
	Timestamp int64 // ms, zero when absent
}

// ErrorFrame is a protocol error reported by the endpoint.
type ErrorFrame struct {
	Message string
}

// TicksFrame is a batch of ticks in arrival order.
type TicksFrame struct {
	Ticks []market.Tick
}

func (f AckFrame) Type() FrameType {
	if f.Unsub {
		return FrameAckUnsub
	}
	return FrameAck
}

func (ErrorFrame) Type() FrameType { return FrameError }
func (TicksFrame) Type() FrameType { return FrameTicks }

type envelope struct {
	Type *string `json:"type"`
}

type wireAck struct {
	Provider  string          `json:"provider" validate:"required"`
	Symbol    string          `json:"symbol" validate:"required"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type wireError struct {
	Message *string `json:"message" validate:"required"`
}

type wireTicks struct {
	Data []wireTick `json:"data" validate:"required,dive"`
}

type wireTick struct {
	Provider string   `json:"provider" validate:"required"`
	Symbol   string   `json:"symbol" validate:"required"`
	Price    *float64 `json:"price" validate:"required"`
	TS       *int64   `json:"ts" validate:"required"`
	ISO      string   `json:"iso"`
	Stale    *bool    `json:"stale"`
	Volume   *float64 `json:"volume"`
}

var validate = validator.New()

// Decode validates raw bytes against the known frame shapes. Anything that
// does not match (bad JSON, missing or unknown type, wrong field types,
// missing required fields) yields an error wrapping ErrMalformedFrame.
func Decode(b []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch FrameType(*env.Type) {
	case FrameAck, FrameAckUnsub:
		var w wireAck
		if err := decodeStrict(b, &w); err != nil {
			return nil, err
		}
		ts, ok := parseTimestamp(w.Timestamp)
		if !ok {
			return nil, fmt.Errorf("%w: bad ack timestamp", ErrMalformedFrame)
		}
		return AckFrame{
			Unsub:     FrameType(*env.Type) == FrameAckUnsub,
			Provider:  w.Provider,
			Symbol:    w.Symbol,
			Message:   w.Message,
			Timestamp: ts,
		}, nil

	case FrameError:
		var w wireError
		if err := decodeStrict(b, &w); err != nil {
			return nil, err
		}
		return ErrorFrame{Message: *w.Message}, nil

	case FrameTicks:
		var w wireTicks
		if err := decodeStrict(b, &w); err != nil {
			return nil, err
		}
		ticks := make([]market.Tick, 0, len(w.Data))
		for _, d := range w.Data {
			var stale bool
			if d.Stale != nil {
				stale = *d.Stale
			}
			var volume float64
			if d.Volume != nil {
				volume = *d.Volume
			}
			ticks = append(ticks, market.NewTick(d.Provider, d.Symbol, *d.Price, *d.TS, d.ISO, stale, volume))
		}
		return TicksFrame{Ticks: ticks}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, *env.Type)
	}
}

func decodeStrict(b []byte, dst any) error {
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// parseTimestamp accepts an absent value, epoch milliseconds, or an RFC3339 string.
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, true
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms, true
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return int64(f), true
}
