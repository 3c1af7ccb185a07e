// Package bus is the NATS-backed broadcast path between the trading engine
// and the WebSocket fan-out. Producers publish events from any goroutine; a
// single worker drains the subscription and hands events to the registered
// handler in arrival order.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulsetrader/pulsetrader/internal/market"
)

// EventType classifies broadcast events.
type EventType string

const (
	EventCandle1m    EventType = "CANDLE_1M"
	EventCandle15m   EventType = "CANDLE_15M"
	EventCandle1h    EventType = "CANDLE_1H"
	EventSignal      EventType = "SIGNAL"
	EventStateChange EventType = "STATE_CHANGE"
	EventStatus      EventType = "STATUS"
	EventError       EventType = "ERROR"
)

// CandleEventType returns the event type for a closed candle at tf.
func CandleEventType(tf market.Timeframe) EventType {
	switch tf {
	case market.Timeframe15m:
		return EventCandle15m
	case market.Timeframe1h:
		return EventCandle1h
	default:
		return EventCandle1m
	}
}

// Frame returns the lowercase frame type used on client WebSocket wires.
func (t EventType) Frame() string {
	switch t {
	case EventCandle1m:
		return "candle"
	case EventCandle15m:
		return "candle_15m"
	case EventCandle1h:
		return "candle_1h"
	case EventSignal:
		return "signal"
	case EventStateChange:
		return "state_change"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one broadcast message. Events are immutable once published;
// Payload is pre-marshaled JSON so consumers never see partial mutations.
type Event struct {
	Type      EventType       `json:"type"`
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event, marshaling payload immediately.
func NewEvent(eventType EventType, symbol string, payload interface{}) (*Event, error) {
	evt := &Event{
		Type:      eventType,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		evt.Payload = data
	}
	return evt, nil
}

// MarshalFrame renders the event as a client-facing WebSocket frame with
// the lowercase frame type.
func (e *Event) MarshalFrame() ([]byte, error) {
	frame := struct {
		Type      string          `json:"type"`
		Symbol    string          `json:"symbol"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data,omitempty"`
	}{
		Type:      e.Type.Frame(),
		Symbol:    e.Symbol,
		Timestamp: e.Timestamp,
		Data:      e.Payload,
	}
	return json.Marshal(frame)
}
