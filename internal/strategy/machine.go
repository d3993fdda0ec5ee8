package strategy

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-pipelinev1/internal/condition"
	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/portfolio"
	"signal-pipelinev1/pkg/errors"
)

// Budget reserves and releases strategy capital.
type Budget interface {
	Reserve(strategyID string, amount decimal.Decimal) error
	Release(strategyID string, amount decimal.Decimal)
}

// Input is one evaluation pass of an instance.
type Input struct {
	Values map[string]float64
	Price  float64
	Now    float64
	// Updated is true when the tick brought new indicator values. Only
	// such ticks evaluate S1, O1, Z1 and ZE1; deadlines and E1 are checked
	// on every tick.
	Updated bool
}

// Outcome collects everything a pass produced. The engine publishes the
// events, submits the intents and books the trades.
type Outcome struct {
	Transitions []events.Transition
	Signals     []events.Signal
	Rejections  []events.Rejection
	Intents     []model.OrderIntent
	Opened      []model.Position
	Closed      []portfolio.ClosedTrade
	Abandoned   []model.Position
}

// Empty reports whether the pass changed nothing observable.
func (o *Outcome) Empty() bool {
	return len(o.Transitions)+len(o.Signals)+len(o.Rejections)+len(o.Intents)+
		len(o.Opened)+len(o.Closed)+len(o.Abandoned) == 0
}

func (o *Outcome) reject(source string, in *Instance, err error, now float64) {
	r := events.NewRejection(source, err, now)
	r.StrategyID = in.StrategyID
	r.Symbol = in.Symbol
	o.Rejections = append(o.Rejections, r)
}

func (o *Outcome) merge(other Outcome) {
	o.Transitions = append(o.Transitions, other.Transitions...)
	o.Signals = append(o.Signals, other.Signals...)
	o.Rejections = append(o.Rejections, other.Rejections...)
	o.Intents = append(o.Intents, other.Intents...)
	o.Opened = append(o.Opened, other.Opened...)
	o.Closed = append(o.Closed, other.Closed...)
	o.Abandoned = append(o.Abandoned, other.Abandoned...)
}

// Machine applies one definition to its instances. It holds no instance
// state and does no locking; callers serialize calls per instance.
type Machine struct {
	def    Definition
	budget Budget
	newID  func() string
}

// NewMachine creates a machine for def, which must already be validated.
func NewMachine(def Definition, budget Budget) *Machine {
	return &Machine{def: def, budget: budget, newID: uuid.NewString}
}

// Definition returns the definition the machine runs.
func (m *Machine) Definition() Definition { return m.def }

// values returns the indicator values plus the built-in keys.
func (m *Machine) values(in *Instance, inp Input) map[string]float64 {
	vals := make(map[string]float64, len(inp.Values)+4)
	for k, v := range inp.Values {
		vals[k] = v
	}
	vals[KeyPrice] = inp.Price
	switch in.State {
	case SignalDetected:
		vals[KeySignalAge] = inp.Now - in.SignalAt
	case PositionActive, CloseEvaluation, EmergencyExit:
		if p := in.Position; p != nil && !p.Pending {
			vals[KeyPnLPct] = p.PnLPct(inp.Price)
			vals[KeyPositionAge] = inp.Now - p.OpenedAt
		}
	}
	return vals
}

func (m *Machine) eval(sec condition.Section, vals map[string]float64) (condition.Result, bool) {
	g, ok := m.def.group(sec)
	if !ok {
		return condition.Result{}, false
	}
	res := condition.Evaluate(g, vals)
	return res, res.Passed()
}

func (m *Machine) signal(in *Instance, sec condition.Section, res condition.Result, inp Input, out *Outcome) {
	out.Signals = append(out.Signals, events.Signal{
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Section:    string(sec),
		Triggers:   res.Triggers,
		Price:      inp.Price,
		Timestamp:  inp.Now,
	})
}

// Step evaluates one tick for in. At most one section transition happens
// per pass.
func (m *Machine) Step(in *Instance, inp Input) Outcome {
	var out Outcome
	in.LastPrice = inp.Price
	in.LastTS = inp.Now

	switch in.State {
	case Monitoring:
		if !inp.Updated {
			break
		}
		if res, ok := m.eval(condition.S1, m.values(in, inp)); ok {
			if in.transition(SignalDetected, "S1 passed", inp.Now, &out) {
				in.SignalAt = inp.Now
				m.signal(in, condition.S1, res, inp, &out)
			}
		}

	case SignalDetected:
		if inp.Now-in.SignalAt >= m.def.EntryTimeout {
			in.transition(Monitoring, "entry timeout", inp.Now, &out)
			break
		}
		if !inp.Updated {
			break
		}
		vals := m.values(in, inp)
		order := []condition.Section{condition.O1, condition.Z1}
		if m.def.SignalPriority == EntryFirst {
			order = []condition.Section{condition.Z1, condition.O1}
		}
		for _, sec := range order {
			if m.trySignalSection(sec, in, inp, vals, &out) {
				break
			}
		}

	case SignalCancelled, EmergencyExit:
		if in.Position == nil && inp.Now >= in.CooldownUntil {
			in.transition(Monitoring, "cooldown elapsed", inp.Now, &out)
		}

	case CloseEvaluation:
		// a planned exit in flight does not suspend the risk check
		if in.Position == nil || in.Position.Pending {
			break
		}
		if res, ok := m.eval(condition.E1, m.values(in, inp)); ok {
			m.escalate(in, res, inp, &out)
		}

	case PositionActive:
		if in.Position == nil || in.Position.Pending {
			break
		}
		vals := m.values(in, inp)
		// E1 first, on every tick
		if res, ok := m.eval(condition.E1, vals); ok {
			m.exit(in, EmergencyExit, condition.E1, res, inp, "E1 passed", &out)
			break
		}
		if !inp.Updated {
			break
		}
		if res, ok := m.eval(condition.ZE1, vals); ok {
			m.exit(in, CloseEvaluation, condition.ZE1, res, inp, "ZE1 passed", &out)
		}

	case Exited:
		in.transition(Monitoring, "exit settled", inp.Now, &out)
	}
	return out
}

// trySignalSection evaluates O1 or Z1 and reports whether it transitioned.
func (m *Machine) trySignalSection(sec condition.Section, in *Instance, inp Input, vals map[string]float64, out *Outcome) bool {
	if sec == condition.O1 && inp.Now-in.SignalAt < m.def.CancelMinAge {
		return false
	}
	res, ok := m.eval(sec, vals)
	if !ok {
		return false
	}
	if sec == condition.O1 {
		if !in.transition(SignalCancelled, "O1 passed", inp.Now, out) {
			return false
		}
		in.CooldownUntil = inp.Now + m.def.Cooldown
		m.signal(in, sec, res, inp, out)
		return true
	}
	return m.enter(in, res, inp, out)
}

// enter reserves budget and opens a pending position.
func (m *Machine) enter(in *Instance, res condition.Result, inp Input, out *Outcome) bool {
	if inp.Price <= 0 {
		out.reject("strategy", in, errors.Newf(errors.ErrCodeInvalidParameter, "%s/%s: cannot size entry at price %g", in.StrategyID, in.Symbol, inp.Price), inp.Now)
		return false
	}
	amount := m.def.Budget
	if err := m.budget.Reserve(m.def.ID, amount); err != nil {
		out.reject("ledger", in, err, inp.Now)
		return false
	}

	id := m.newID()
	in.Position = &model.Position{
		Symbol:     in.Symbol,
		Side:       m.def.Side,
		EntryPrice: inp.Price,
		Size:       amount.InexactFloat64() / inp.Price,
		OpenedAt:   inp.Now,
		Reserved:   amount,
		Pending:    true,
		EntryID:    id,
	}
	if !in.transition(PositionActive, "Z1 passed", inp.Now, out) {
		m.budget.Release(m.def.ID, amount)
		in.Position = nil
		return false
	}
	m.signal(in, condition.Z1, res, inp, out)
	out.Intents = append(out.Intents, model.OrderIntent{
		ClientID:   id,
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Side:       in.Position.Side,
		Size:       in.Position.Size,
		Price:      inp.Price,
		Purpose:    model.PurposeEntry,
		Reason:     "Z1",
		TS:         inp.Now,
	})
	return true
}

// exit moves to CLOSE_EVALUATION or EMERGENCY_EXIT and emits the exit
// intent. sec is empty for exits not driven by a section.
func (m *Machine) exit(in *Instance, to State, sec condition.Section, res condition.Result, inp Input, reason string, out *Outcome) {
	if !in.transition(to, reason, inp.Now, out) {
		return
	}
	if sec != "" {
		m.signal(in, sec, res, inp, out)
	}
	id := m.newID()
	in.ExitID = id
	out.Intents = append(out.Intents, model.OrderIntent{
		ClientID:   id,
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Side:       in.Position.Side.Opposite(),
		Size:       in.Position.Size,
		Price:      inp.Price,
		Purpose:    model.PurposeExit,
		Reason:     reason,
		TS:         inp.Now,
	})
}

// escalate turns a planned exit into an emergency one. An exit order already
// in flight covers the whole position and is kept; its fill settles the
// instance under the emergency cooldown.
func (m *Machine) escalate(in *Instance, res condition.Result, inp Input, out *Outcome) {
	if in.ExitID == "" {
		m.exit(in, EmergencyExit, condition.E1, res, inp, "E1 passed", out)
		return
	}
	if in.transition(EmergencyExit, "E1 passed during planned exit", inp.Now, out) {
		m.signal(in, condition.E1, res, inp, out)
	}
}

// OnFill applies a terminal order result. Fills for orders the instance no
// longer waits on are ignored.
func (m *Machine) OnFill(in *Instance, fill model.Fill, now float64) Outcome {
	var out Outcome
	p := in.Position
	switch {
	case p != nil && p.Pending && fill.ClientID == p.EntryID:
		if fill.Status != model.FillFilled {
			m.entryFailed(in, errors.Newf(errors.ErrCodeExternalFailure, "%s/%s: entry %s rejected: %s",
				in.StrategyID, in.Symbol, fill.OrderID, fill.Reason), now, &out)
			break
		}
		p.Pending = false
		if fill.Price > 0 {
			p.EntryPrice = fill.Price
		}
		if fill.Qty > 0 {
			p.Size = fill.Qty
		}
		p.OpenedAt = now
		out.Opened = append(out.Opened, *p)

	case p != nil && in.ExitID != "" && fill.ClientID == in.ExitID:
		in.ExitID = ""
		if fill.Status != model.FillFilled {
			m.exitFailed(in, errors.Newf(errors.ErrCodeExternalFailure, "%s/%s: exit %s rejected: %s",
				in.StrategyID, in.Symbol, fill.OrderID, fill.Reason), now, &out)
			break
		}
		m.settleExit(in, fill.Price, now, &out)
	}
	return out
}

// OrderFailed handles an intent that never reached the gateway or was
// refused by it.
func (m *Machine) OrderFailed(in *Instance, intent model.OrderIntent, err error, now float64) Outcome {
	var out Outcome
	p := in.Position
	switch {
	case p != nil && p.Pending && intent.ClientID == p.EntryID:
		m.entryFailed(in, err, now, &out)
	case p != nil && intent.ClientID == in.ExitID:
		in.ExitID = ""
		m.exitFailed(in, err, now, &out)
	}
	return out
}

func (m *Machine) entryFailed(in *Instance, err error, now float64, out *Outcome) {
	out.reject("execution", in, err, now)
	m.budget.Release(m.def.ID, in.Position.Reserved)
	in.Position = nil
	in.transition(SignalDetected, "entry failed", now, out)
}

func (m *Machine) exitFailed(in *Instance, err error, now float64, out *Outcome) {
	out.reject("execution", in, err, now)
	switch in.State {
	case CloseEvaluation:
		in.transition(PositionActive, "exit failed", now, out)
	case EmergencyExit:
		// the position is closed locally; the venue side is reconciled
		// out of band
		out.Abandoned = append(out.Abandoned, *in.Position)
		m.budget.Release(m.def.ID, in.Position.Reserved)
		in.Position = nil
		in.CooldownUntil = now + m.def.EmergencyCooldown
	}
}

func (m *Machine) settleExit(in *Instance, price, now float64, out *Outcome) {
	p := in.Position
	exitPrice := price
	if exitPrice <= 0 {
		exitPrice = in.LastPrice
	}
	out.Closed = append(out.Closed, portfolio.ClosedTrade{
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Side:       p.Side,
		Qty:        decimal.NewFromFloat(p.Size),
		EntryPrice: decimal.NewFromFloat(p.EntryPrice),
		ExitPrice:  decimal.NewFromFloat(exitPrice),
		Reserved:   p.Reserved,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   now,
		Reason:     strings.ToLower(string(in.State)),
	})
	m.budget.Release(m.def.ID, p.Reserved)
	in.Position = nil

	switch in.State {
	case CloseEvaluation:
		if in.transition(Exited, "exit filled", now, out) {
			in.transition(Monitoring, "exit settled", now, out)
		}
	case EmergencyExit:
		in.CooldownUntil = now + m.def.EmergencyCooldown
		if m.def.EmergencyCooldown <= 0 {
			in.transition(Monitoring, "cooldown elapsed", now, out)
		}
	}
}

// Flatten starts a planned exit for an open, filled position.
func (m *Machine) Flatten(in *Instance, now float64, reason string) Outcome {
	var out Outcome
	if in.State != PositionActive || in.Position == nil || in.Position.Pending {
		return out
	}
	inp := Input{Price: in.LastPrice, Now: now}
	m.exit(in, CloseEvaluation, "", condition.Result{}, inp, reason, &out)
	return out
}

// Abandon releases whatever the instance still holds and resets it to
// MONITORING. It is used when a session ends with orders unsettled.
func (m *Machine) Abandon(in *Instance, now float64, reason string) Outcome {
	var out Outcome
	if in.Position != nil {
		out.reject("strategy", in, errors.Newf(errors.ErrCodeExternalFailure,
			"%s/%s: position abandoned: %s", in.StrategyID, in.Symbol, reason), now)
		out.Abandoned = append(out.Abandoned, *in.Position)
		m.budget.Release(m.def.ID, in.Position.Reserved)
		in.Position = nil
	}
	in.ExitID = ""
	in.reset(reason, now, &out)
	return out
}
