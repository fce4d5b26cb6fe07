package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
)

// observation is a broker fact about an order: its status, cumulative
// filled volume and a price. The price is that of the newly executed
// volume, or the broker's average over all of filled when average is set.
type observation struct {
	status     order.Status
	filled     float64
	price      float64
	average    bool
	returnCode int
	reason     string
	source     order.Source
	// announce emits the event for the transition. It is false when the
	// caller is itself reacting to that event.
	announce bool
}

const maxApplyAttempts = 3

// apply is the one place broker-driven transitions happen. It is
// idempotent: applying an observation the order already reflects changes
// nothing. The write is a compare-and-set on the status it read, and a
// lost race is retried against the fresh state.
func (m *Manager) apply(ctx context.Context, id string, obs observation) (order.Order, bool, error) {
	for i := 0; ; i++ {
		o, err := m.store.GetOrder(ctx, id)
		if err != nil {
			return order.Order{}, false, err
		}
		updated, changed, err := m.applyTo(ctx, o, obs)
		if errors.Is(err, order.ErrStaleStatus) && i < maxApplyAttempts-1 {
			continue
		}
		return updated, changed, err
	}
}

func (m *Manager) applyTo(ctx context.Context, o order.Order, obs observation) (order.Order, bool, error) {
	filled := order.ClampFilled(obs.filled, o.Volume)
	if obs.status == order.StatusFilled && filled <= 0 {
		filled = o.Volume
	}
	// filled volume never goes backwards on the live path
	if filled < o.FilledVolume {
		filled = o.FilledVolume
	}

	if o.Status == obs.status && order.SameVolume(o.FilledVolume, filled) {
		return o, false, nil
	}
	if o.Status.Terminal() {
		utils.GetLogger().Printf("Manager | Order %s is %s, ignoring broker %s", o.ID, o.Status, obs.status)
		return o, false, nil
	}
	if o.Status != obs.status && !order.CanTransition(o.Status, obs.status) {
		return o, false, &order.TransitionError{From: o.Status, To: obs.status}
	}

	delta := filled - o.FilledVolume
	avg := o.AverageFillPrice
	fillPrice := obs.price
	if delta > 0 {
		if obs.average && obs.price > 0 {
			avg = obs.price
			fillPrice = order.FillPriceFromAverage(o.FilledVolume, o.AverageFillPrice, filled, obs.price)
		} else {
			avg = order.AverageFillPrice(o.FilledVolume, o.AverageFillPrice, delta, obs.price)
		}
	}

	patch := order.Patch{
		ExpectedStatus:   order.Ptr(o.Status),
		Status:           order.Ptr(obs.status),
		FilledVolume:     order.Ptr(filled),
		AverageFillPrice: order.Ptr(avg),
	}
	if obs.status == order.StatusRejected {
		patch.RejectionReason = order.Ptr(obs.reason)
	}
	updated, err := m.store.UpdateOrder(ctx, o.ID, patch)
	if err != nil {
		return o, false, err
	}

	if obs.announce {
		e, ok := transitionEvent(o, updated, obs, delta, fillPrice)
		if ok {
			if _, err := m.events.Publish(ctx, e); err != nil {
				return updated, true, fmt.Errorf("order %s is %s but event failed: %w", o.ID, updated.Status, err)
			}
		}
	}
	utils.GetLogger().Printf("Manager | Order %s %s -> %s (filled %.8f/%.8f, source %s)",
		o.ID, o.Status, updated.Status, updated.FilledVolume, updated.Volume, obs.source)
	return updated, true, nil
}

// transitionEvent builds the event describing prev -> next.
func transitionEvent(prev, next order.Order, obs observation, delta, fillPrice float64) (order.Event, bool) {
	t, ok := order.EventFor(next.Status)
	if !ok {
		return order.Event{}, false
	}
	e := order.Event{OrderID: next.ID, Type: t}
	switch next.Status {
	case order.StatusSubmitted:
		e.Payload = order.SubmittedPayload{Ticket: next.Ticket, Source: obs.source}
	case order.StatusPartiallyFilled, order.StatusFilled:
		e.Payload = order.FillPayload{
			FilledVolume:     next.FilledVolume,
			DeltaVolume:      delta,
			FillPrice:        fillPrice,
			AverageFillPrice: next.AverageFillPrice,
			Source:           obs.source,
		}
		e.Message = fmt.Sprintf("filled %.8f of %.8f at %.8f", next.FilledVolume, next.Volume, next.AverageFillPrice)
	case order.StatusCancelled:
		e.Payload = order.CancelledPayload{PreviousStatus: prev.Status, BrokerCancelled: true, Source: obs.source}
	case order.StatusRejected:
		e.Payload = order.RejectedPayload{ReturnCode: obs.returnCode, Reason: obs.reason, Source: obs.source}
		e.Message = obs.reason
	case order.StatusExpired:
		e.Payload = order.ExpiredPayload{Source: obs.source}
	default:
		return order.Event{}, false
	}
	return e, true
}

// OnOrderFilled records that the broker filled the order completely;
// price is the price of the newly executed volume.
func (m *Manager) OnOrderFilled(ctx context.Context, id string, filledVolume, price float64) (order.Order, error) {
	o, _, err := m.apply(ctx, id, observation{
		status: order.StatusFilled, filled: filledVolume, price: price,
		source: order.SourceBroker, announce: true,
	})
	return o, err
}

// OnOrderPartiallyFilled records a cumulative partial fill; price is the
// price of the newly executed volume.
func (m *Manager) OnOrderPartiallyFilled(ctx context.Context, id string, filledVolume, price float64) (order.Order, error) {
	o, _, err := m.apply(ctx, id, observation{
		status: order.StatusPartiallyFilled, filled: filledVolume, price: price,
		source: order.SourceBroker, announce: true,
	})
	return o, err
}

// OnOrderRejected records a broker rejection of a pending order.
func (m *Manager) OnOrderRejected(ctx context.Context, id string, code int, reason string) (order.Order, error) {
	o, _, err := m.apply(ctx, id, observation{
		status: order.StatusRejected, returnCode: code, reason: reason,
		source: order.SourceBroker, announce: true,
	})
	return o, err
}

// RegisterEventHandlers routes FILLED, PARTIALLY_FILLED and REJECTED
// events through the same transitions as the direct calls. Events this
// manager emitted itself find the order already in place and are no-ops.
func (m *Manager) RegisterEventHandlers(reg HandlerRegistry) error {
	fill := func(ctx context.Context, e order.Event) error {
		p, ok := e.Payload.(order.FillPayload)
		if !ok {
			return fmt.Errorf("%s event %s carries %T", e.Type, e.ID, e.Payload)
		}
		st := order.StatusPartiallyFilled
		if e.Type == order.EventFilled {
			st = order.StatusFilled
		}
		_, _, err := m.apply(ctx, e.OrderID, observation{
			status: st, filled: p.FilledVolume, price: p.FillPrice, source: p.Source,
		})
		return err
	}
	reject := func(ctx context.Context, e order.Event) error {
		p, ok := e.Payload.(order.RejectedPayload)
		if !ok {
			return fmt.Errorf("%s event %s carries %T", e.Type, e.ID, e.Payload)
		}
		_, _, err := m.apply(ctx, e.OrderID, observation{
			status: order.StatusRejected, returnCode: p.ReturnCode, reason: p.Reason, source: p.Source,
		})
		return err
	}

	for t, fn := range map[order.EventType]func(context.Context, order.Event) error{
		order.EventFilled:          fill,
		order.EventPartiallyFilled: fill,
		order.EventRejected:        reject,
	} {
		if _, err := reg.RegisterEventHandler(t, fn); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", t, err)
		}
	}
	return nil
}

// observe converts a broker history entry into an observation. History
// carries the broker's running average, not the price of the last fill.
func observe(h exchange.HistoryOrder, source order.Source) (observation, error) {
	st, ok := h.Status()
	if !ok {
		return observation{}, fmt.Errorf("ticket %d: unknown broker state %q", h.Ticket, h.State)
	}
	obs := observation{
		status:   st,
		filled:   h.VolumeCurrent,
		price:    h.FillPrice(),
		average:  true,
		source:   source,
		announce: true,
	}
	if st == order.StatusRejected {
		obs.reason = h.Comment
		if obs.reason == "" {
			obs.reason = "rejected by broker"
		}
	}
	return obs, nil
}

// TrackOrderStatus brings one order up to date with the broker. It
// reports whether anything changed; a second call without broker-side
// changes writes nothing and emits nothing.
func (m *Manager) TrackOrderStatus(ctx context.Context, id string) (order.Order, bool, error) {
	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, false, err
	}
	if o.Ticket == 0 || o.Status.Terminal() {
		return o, false, nil
	}

	to := m.now().UTC()
	from := to.Add(-m.cfg.TrackWindow)
	if o.CreatedAt.After(from) {
		from = o.CreatedAt
	}
	history, err := m.broker.GetOrderHistory(ctx, from, to)
	if err != nil {
		return o, false, fmt.Errorf("failed to fetch broker history for order %s: %w", id, err)
	}
	h, ok := exchange.NewHistory(history).ByTicket(o.Ticket)
	if !ok {
		return o, false, fmt.Errorf("ticket %d of order %s not in broker history: %w", o.Ticket, id, order.ErrNotFound)
	}

	obs, err := observe(h, order.SourceTracker)
	if err != nil {
		return o, false, err
	}
	return m.apply(ctx, id, obs)
}
