package service

import (
	"context"
	"log"
	"strings"
	"time"

	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/model"
)

// orderSink is the OrderSink of one session's strategy engine. It remembers
// which session placed each order so results find their way back.
type orderSink struct {
	svc *Service
	rt  *runtime
}

func (o orderSink) TrySubmit(intent model.OrderIntent) error {
	s := o.svc
	s.ordersMu.Lock()
	s.orders[intent.ClientID] = o.rt
	s.ordersMu.Unlock()

	if err := s.dispatcher.TrySubmit(intent); err != nil {
		s.forgetOrder(intent.ClientID)
		return err
	}
	s.bus.Publish(orderEvent("submitted", intent, "", intent.Price, ""))
	return nil
}

func (s *Service) forgetOrder(clientID string) *runtime {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	rt := s.orders[clientID]
	delete(s.orders, clientID)
	return rt
}

func orderEvent(status string, intent model.OrderIntent, orderID string, price float64, reason string) events.OrderEvent {
	return events.OrderEvent{
		Status:     status,
		StrategyID: intent.StrategyID,
		Symbol:     intent.Symbol,
		ClientID:   intent.ClientID,
		OrderID:    orderID,
		Purpose:    string(intent.Purpose),
		Side:       string(intent.Side),
		Size:       intent.Size,
		Price:      price,
		Reason:     reason,
		Timestamp:  intent.TS,
	}
}

func (s *Service) orderAccepted(intent model.OrderIntent, handle model.OrderHandle) {
	s.bus.Publish(orderEvent("accepted", intent, handle.OrderID, intent.Price, ""))
}

// orderFailed runs on dispatcher goroutines when the gateway refused the
// submission. The placing instance releases its reservation.
func (s *Service) orderFailed(intent model.OrderIntent, err error) {
	s.bus.Publish(orderEvent("rejected", intent, "", intent.Price, err.Error()))
	rt := s.forgetOrder(intent.ClientID)
	if rt == nil {
		log.Printf("[service] order error for unknown order %s: %v", intent.ClientID, err)
		return
	}
	rt.engine.OnOrderError(intent, err)
}

// orderFilled runs on the dispatcher's fill router.
func (s *Service) orderFilled(intent model.OrderIntent, fill model.Fill) {
	s.bus.Publish(orderEvent(strings.ToLower(string(fill.Status)), intent, fill.OrderID, fill.Price, fill.Reason))
	rt := s.forgetOrder(intent.ClientID)
	if rt == nil {
		log.Printf("[service] fill for unknown order %s (%s)", fill.ClientID, fill.OrderID)
		return
	}
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.RecordFill(rt.id, intent, fill); err != nil {
			log.Printf("[service] journal write failed for %s: %v", fill.OrderID, err)
		}
	}
	rt.engine.OnFill(fill)
}

// outstanding reports whether rt still has orders in flight.
func (s *Service) outstanding(rt *runtime) int {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	n := 0
	for _, owner := range s.orders {
		if owner == rt {
			n++
		}
	}
	return n
}

// settle waits until rt has no orders in flight or ctx is done.
func (s *Service) settle(ctx context.Context, rt *runtime) bool {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for s.outstanding(rt) > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
	return true
}

// dropOrders forgets every order of rt.
func (s *Service) dropOrders(rt *runtime) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	for id, owner := range s.orders {
		if owner == rt {
			delete(s.orders, id)
		}
	}
}

func (s *Service) observeChannels(ctx context.Context) {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, st := range s.bus.ChannelStats() {
				s.prom.ObserveChannel("bus_"+st.Name, st.Len, st.Cap)
			}
		}
	}
}
