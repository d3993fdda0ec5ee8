package execution

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/pkg/errors"
)

// PaperGateway simulates order execution without a broker. Orders fill at
// the intent price moved against the trader by slippageBps.
type PaperGateway struct {
	mu       sync.RWMutex
	fills    []model.Fill
	fillCh   chan model.Fill
	orderSeq int64
	closed   bool

	slippageBps float64
	latency     time.Duration
}

// NewPaperGateway creates a paper gateway. latency delays each fill.
func NewPaperGateway(bufferSize int, slippageBps float64, latency time.Duration) *PaperGateway {
	return &PaperGateway{
		fills:       make([]model.Fill, 0, 1000),
		fillCh:      make(chan model.Fill, bufferSize),
		slippageBps: slippageBps,
		latency:     latency,
	}
}

// Fills returns the channel fills are delivered on.
func (p *PaperGateway) Fills() <-chan model.Fill { return p.fillCh }

// History returns a copy of every fill delivered so far.
func (p *PaperGateway) History() []model.Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]model.Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// Submit accepts intent and schedules its fill. Intents with a
// non-positive size or price are accepted and then rejected, as an
// exchange would.
func (p *PaperGateway) Submit(ctx context.Context, intent model.OrderIntent) (model.OrderHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return model.OrderHandle{}, errors.New(errors.ErrCodeExternalFailure, "Submit: paper gateway closed")
	}
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)
	p.mu.Unlock()

	fill := p.simulate(intent, orderID)
	handle := model.OrderHandle{ClientID: intent.ClientID, OrderID: orderID}

	if p.latency <= 0 {
		if err := p.deliver(ctx, fill); err != nil {
			return model.OrderHandle{}, err
		}
		return handle, nil
	}
	go func() {
		t := time.NewTimer(p.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		_ = p.deliver(ctx, fill)
	}()
	return handle, nil
}

func (p *PaperGateway) simulate(intent model.OrderIntent, orderID string) model.Fill {
	fill := model.Fill{
		ClientID: intent.ClientID,
		OrderID:  orderID,
		Qty:      intent.Size,
		TS:       intent.TS + p.latency.Seconds(),
	}
	if intent.Size <= 0 || intent.Price <= 0 {
		fill.Status = model.FillRejected
		fill.Qty = 0
		fill.Reason = fmt.Sprintf("invalid order size=%g price=%g", intent.Size, intent.Price)
		log.Printf("[paper] rejected %s %s: %s", intent.Purpose, intent.Symbol, fill.Reason)
		return fill
	}

	slip := intent.Price * p.slippageBps / 10000
	if intent.Side == model.SideBuy {
		fill.Price = intent.Price + slip // buy higher
	} else {
		fill.Price = intent.Price - slip // sell lower
	}
	fill.Status = model.FillFilled

	log.Printf("[paper] %s %s %s size=%g price=%.6f (slip=%.6f) order=%s reason=%s",
		intent.Side, intent.StrategyID, intent.Symbol, intent.Size, fill.Price, slip, orderID, intent.Reason)
	return fill
}

func (p *PaperGateway) deliver(ctx context.Context, fill model.Fill) error {
	p.mu.Lock()
	p.fills = append(p.fills, fill)
	p.mu.Unlock()

	select {
	case p.fillCh <- fill:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeExternalFailure, "paper fill not delivered", ctx.Err())
	}
}

// Close stops accepting orders.
func (p *PaperGateway) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
