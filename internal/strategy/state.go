package strategy

import (
	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/pkg/errors"
)

// State is the lifecycle state of a strategy instance.
type State string

const (
	Monitoring      State = "MONITORING"
	SignalDetected  State = "SIGNAL_DETECTED"
	SignalCancelled State = "SIGNAL_CANCELLED"
	PositionActive  State = "POSITION_ACTIVE"
	CloseEvaluation State = "CLOSE_EVALUATION"
	EmergencyExit   State = "EMERGENCY_EXIT"
	Exited          State = "EXITED"
)

// edges is the complete transition table. Anything else is refused.
// POSITION_ACTIVE falls back to SIGNAL_DETECTED when the entry order fails
// and CLOSE_EVALUATION falls back to POSITION_ACTIVE when the exit order
// fails. CLOSE_EVALUATION escalates to EMERGENCY_EXIT when E1 passes before
// the planned exit settles. Abandon resets any state to MONITORING outside
// the table.
var edges = map[State][]State{
	Monitoring:      {SignalDetected},
	SignalDetected:  {SignalCancelled, PositionActive, Monitoring},
	SignalCancelled: {Monitoring},
	PositionActive:  {EmergencyExit, CloseEvaluation, SignalDetected},
	CloseEvaluation: {Exited, PositionActive, EmergencyExit},
	EmergencyExit:   {Monitoring},
	Exited:          {Monitoring},
}

// CanTransition reports whether from → to is on the table.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Instance is the state of one (strategy, symbol) pair.
type Instance struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	State      State           `json:"state"`
	StateSince float64         `json:"state_since"`
	SignalAt   float64         `json:"signal_detection_time"`
	Position   *model.Position `json:"position,omitempty"`

	// CooldownUntil gates the return to MONITORING from SIGNAL_CANCELLED
	// and EMERGENCY_EXIT.
	CooldownUntil float64 `json:"cooldown_until"`
	// ExitID is the client ID of the exit order in flight.
	ExitID string `json:"exit_id,omitempty"`
	// LastPrice and LastTS describe the latest evaluated tick.
	LastPrice float64 `json:"last_price"`
	LastTS    float64 `json:"last_ts"`
}

// NewInstance creates an instance in MONITORING.
func NewInstance(strategyID, symbol string, now float64) *Instance {
	return &Instance{StrategyID: strategyID, Symbol: symbol, State: Monitoring, StateSince: now}
}

// transition moves the instance to `to` and records the change in out. An
// off-table edge leaves the instance unchanged and records an error event.
func (in *Instance) transition(to State, reason string, now float64, out *Outcome) bool {
	if !CanTransition(in.State, to) {
		err := errors.Newf(errors.ErrCodeConcurrencyViolation, "%s/%s: illegal transition %s -> %s (%s)",
			in.StrategyID, in.Symbol, in.State, to, reason)
		out.reject("strategy", in, err, now)
		return false
	}
	out.Transitions = append(out.Transitions, events.Transition{
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		From:       string(in.State),
		To:         string(to),
		Reason:     reason,
		Timestamp:  now,
	})
	in.State = to
	in.StateSince = now
	return true
}

// reset forces the instance back to MONITORING, recording the change unless
// it is already there.
func (in *Instance) reset(reason string, now float64, out *Outcome) {
	if in.State == Monitoring {
		return
	}
	out.Transitions = append(out.Transitions, events.Transition{
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		From:       string(in.State),
		To:         string(Monitoring),
		Reason:     reason,
		Timestamp:  now,
	})
	in.State = Monitoring
	in.StateSince = now
}

// Snapshot is a copy of an instance safe to hand out.
func (in *Instance) Snapshot() Instance {
	cp := *in
	if in.Position != nil {
		p := *in.Position
		cp.Position = &p
	}
	return cp
}
