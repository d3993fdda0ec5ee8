// Package events defines the events the pipeline emits and the fan-out bus
// that delivers them to sinks.
package events

import (
	"encoding/json"
	"strings"

	"signal-pipelinev1/pkg/errors"
)

// Topics.
const (
	TopicIndicatorUpdated = "indicator.updated"
	TopicTransition       = "state.transition"
	TopicSignalRejected   = "signal.rejected"
	TopicSessionChanged   = "session.changed"
	TopicErrorPrefix      = "error."
	TopicSignalPrefix     = "signal."
	TopicOrderPrefix      = "order."
)

// Event is anything published on the bus.
type Event interface {
	Topic() string
	// Key is the partition key of the event, usually its symbol.
	Key() string
}

// IndicatorUpdated is emitted on every recompute, including those without
// data (Value nil).
type IndicatorUpdated struct {
	SessionID     string   `json:"session_id,omitempty"`
	Symbol        string   `json:"symbol"`
	VariantID     string   `json:"variant_id"`
	IndicatorType string   `json:"indicator_type"`
	Value         *float64 `json:"value"`
	Timestamp     float64  `json:"timestamp"`
}

func (IndicatorUpdated) Topic() string { return TopicIndicatorUpdated }
func (e IndicatorUpdated) Key() string { return e.Symbol }
func (e IndicatorUpdated) HasValue() bool { return e.Value != nil }

// Signal is emitted when a condition section passes.
type Signal struct {
	StrategyID string             `json:"strategy_id"`
	Symbol     string             `json:"symbol"`
	Section    string             `json:"section"`
	Triggers   map[string]float64 `json:"triggers"`
	Price      float64            `json:"price"`
	Timestamp  float64            `json:"timestamp"`
}

func (e Signal) Topic() string { return TopicSignalPrefix + strings.ToLower(e.Section) }
func (e Signal) Key() string { return e.Symbol }

// Transition is emitted on every strategy instance state change.
type Transition struct {
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Reason     string  `json:"reason"`
	Timestamp  float64 `json:"timestamp"`
}

func (Transition) Topic() string { return TopicTransition }
func (e Transition) Key() string { return e.Symbol }

// Rejection reports a failure that was handled locally: an illegal
// transition, a denied reservation, a failed order or write.
type Rejection struct {
	Kind       string           `json:"kind"`
	Code       errors.ErrorCode `json:"code"`
	Source     string           `json:"source"`
	SessionID  string           `json:"session_id,omitempty"`
	StrategyID string           `json:"strategy_id,omitempty"`
	Symbol     string           `json:"symbol,omitempty"`
	Message    string           `json:"message"`
	Timestamp  float64          `json:"timestamp"`
}

// NewRejection classifies err by its code.
func NewRejection(source string, err error, ts float64) Rejection {
	code := errors.GetCode(err)
	return Rejection{
		Kind:      code.Kind(),
		Code:      code,
		Source:    source,
		Message:   err.Error(),
		Timestamp: ts,
	}
}

// Topic is signal.rejected for denied reservations and error.<kind>
// otherwise.
func (e Rejection) Topic() string {
	if e.Code == errors.ErrCodeBudgetExceeded {
		return TopicSignalRejected
	}
	return TopicErrorPrefix + e.Kind
}

func (e Rejection) Key() string { return e.Symbol }

// SessionChanged is emitted on every session status change.
type SessionChanged struct {
	SessionID string  `json:"session_id"`
	Mode      string  `json:"mode"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Timestamp float64 `json:"timestamp"`
}

func (SessionChanged) Topic() string { return TopicSessionChanged }
func (e SessionChanged) Key() string { return e.SessionID }

// OrderEvent follows an order through submitted, accepted, filled and
// rejected.
type OrderEvent struct {
	Status     string  `json:"status"`
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	ClientID   string  `json:"client_id"`
	OrderID    string  `json:"order_id,omitempty"`
	Purpose    string  `json:"purpose"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	Reason     string  `json:"reason,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}

func (e OrderEvent) Topic() string { return TopicOrderPrefix + strings.ToLower(e.Status) }
func (e OrderEvent) Key() string { return e.Symbol }

// Envelope is the wire form of an event.
type Envelope struct {
	Topic string `json:"topic"`
	Key   string `json:"key"`
	Data  Event  `json:"data"`
}

// Marshal encodes e with its topic.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Envelope{Topic: e.Topic(), Key: e.Key(), Data: e})
}
