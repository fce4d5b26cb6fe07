package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
)

// Outcome is what is known about a submission once the retry budget is
// spent.
type Outcome int

const (
	// Accepted: the broker took the order and returned a ticket.
	Accepted Outcome = iota
	// Rejected: the broker refused the order for a business reason.
	Rejected
	// Unknown: no broker answer; the order may or may not exist there.
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type submission struct {
	outcome  Outcome
	result   exchange.OpenResult
	attempts int
	err      error
}

// SubmitOrder sends a DRAFT order to the broker. The broker is called at
// most MaxAttempts times; only transport failures are retried. A
// rejection returns *order.RejectionError, an unconfirmed submission
// returns an error matching order.ErrSubmissionUnconfirmed and leaves the
// order in ERROR for reconciliation.
func (m *Manager) SubmitOrder(ctx context.Context, id string) (order.Order, error) {
	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	if o.Status != order.StatusDraft {
		return o, &order.TransitionError{From: o.Status, To: order.StatusPending}
	}
	// a caller that already gave up leaves the order in DRAFT
	if err := ctx.Err(); err != nil {
		return o, fmt.Errorf("order %s not submitted: %w", id, err)
	}

	o, err = m.store.UpdateOrder(ctx, id, order.Patch{
		ExpectedStatus: order.Ptr(order.StatusDraft),
		Status:         order.Ptr(order.StatusPending),
	})
	if err != nil {
		return m.conflict(ctx, id, order.StatusPending, err)
	}

	req := exchange.OrderRequest{
		ClientID:   o.ID,
		Symbol:     o.Symbol,
		Kind:       o.Kind,
		Volume:     o.Volume,
		Price:      o.Price,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		Magic:      o.Magic,
		Comment:    o.Comment,
		Expiration: o.Expiration,
	}
	sub := m.send(ctx, req)

	// the outcome is recorded even when the caller has gone away
	wctx := context.WithoutCancel(ctx)
	switch sub.outcome {
	case Accepted:
		return m.accepted(wctx, o, sub)
	case Rejected:
		return m.rejected(wctx, o, sub)
	default:
		return m.unconfirmed(wctx, o, sub)
	}
}

// send calls the broker with bounded retry and a fixed delay.
func (m *Manager) send(ctx context.Context, req exchange.OrderRequest) submission {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return submission{outcome: Unknown, attempts: attempt - 1, err: lastErrOr(lastErr, err)}
		}

		res, err := m.broker.OpenPosition(ctx, req)
		if err == nil {
			if res.Accepted() {
				return submission{outcome: Accepted, result: res, attempts: attempt}
			}
			return submission{outcome: Rejected, result: res, attempts: attempt}
		}

		lastErr = err
		utils.GetLogger().Printf("Manager | Order %s submission failed (attempt %d/%d): %v", req.ClientID, attempt, m.cfg.MaxAttempts, err)
		if attempt == m.cfg.MaxAttempts {
			break
		}
		if !sleep(ctx, m.cfg.RetryDelay) {
			return submission{outcome: Unknown, attempts: attempt, err: lastErr}
		}
	}
	return submission{outcome: Unknown, attempts: m.cfg.MaxAttempts, err: lastErr}
}

func lastErrOr(last, fallback error) error {
	if last != nil {
		return last
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func snapshot(sub submission) *order.SubmissionResult {
	s := &order.SubmissionResult{
		ReturnCode:     sub.result.ReturnCode,
		Ticket:         sub.result.Ticket,
		DealID:         sub.result.DealID,
		ExecutedVolume: sub.result.ExecutedVolume,
		ExecutedPrice:  sub.result.ExecutedPrice,
		Comment:        sub.result.Comment,
		BrokerRef:      sub.result.BrokerRef,
		Attempts:       sub.attempts,
	}
	if sub.err != nil && s.Comment == "" {
		s.Comment = sub.err.Error()
	}
	return s
}

func (m *Manager) accepted(ctx context.Context, o order.Order, sub submission) (order.Order, error) {
	res := sub.result
	if res.Ticket == 0 {
		// an acceptance without a ticket cannot be tracked
		sub.err = fmt.Errorf("broker accepted order without a ticket")
		return m.unconfirmed(ctx, o, sub)
	}

	updated, err := m.store.UpdateOrder(ctx, o.ID, order.Patch{
		ExpectedStatus: order.Ptr(order.StatusPending),
		Status:         order.Ptr(order.StatusSubmitted),
		Ticket:         order.Ptr(res.Ticket),
		Submission:     snapshot(sub),
	})
	if errors.Is(err, order.ErrStaleStatus) {
		return m.acceptedAfterCancel(ctx, o.ID, sub)
	}
	if err != nil {
		return o, fmt.Errorf("order %s accepted with ticket %d but not recorded: %w", o.ID, res.Ticket, err)
	}

	if _, err := m.events.Publish(ctx, order.Event{
		OrderID: o.ID,
		Type:    order.EventSubmitted,
		Payload: order.SubmittedPayload{Ticket: res.Ticket, Attempts: sub.attempts, Source: order.SourceBroker},
		Message: res.Comment,
	}); err != nil {
		return updated, fmt.Errorf("order %s submitted but event failed: %w", o.ID, err)
	}
	utils.GetLogger().Printf("Manager | Order %s submitted: ticket=%d attempts=%d", o.ID, res.Ticket, sub.attempts)

	// immediate executions, typically market orders
	if res.ExecutedVolume > 0 {
		st := order.StatusPartiallyFilled
		if order.SameVolume(order.ClampFilled(res.ExecutedVolume, updated.Volume), updated.Volume) {
			st = order.StatusFilled
		}
		filled, _, err := m.apply(ctx, updated.ID, observation{
			status:   st,
			filled:   res.ExecutedVolume,
			price:    res.ExecutedPrice,
			source:   order.SourceBroker,
			announce: true,
		})
		if err != nil {
			return updated, err
		}
		return filled, nil
	}
	return updated, nil
}

// acceptedAfterCancel handles a broker acceptance for an order that was
// cancelled locally while the broker call was in flight: the ticket is
// kept for reconciliation and the broker order is cancelled.
func (m *Manager) acceptedAfterCancel(ctx context.Context, id string, sub submission) (order.Order, error) {
	cur, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	ticket := sub.result.Ticket
	utils.GetLogger().Printf("Manager | Order %s was %s while the broker accepted it (ticket %d), cancelling at broker", id, cur.Status, ticket)

	if cur.Ticket == 0 {
		cur, err = m.store.UpdateOrder(ctx, id, order.Patch{
			ExpectedStatus: order.Ptr(cur.Status),
			Ticket:         order.Ptr(ticket),
			Submission:     snapshot(sub),
		})
		if err != nil {
			return cur, fmt.Errorf("failed to record ticket %d on order %s: %w", ticket, id, err)
		}
	}

	bctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	if err := m.broker.CancelOrder(bctx, ticket); err != nil {
		utils.GetLogger().Printf("Manager | Broker cancel of ticket %d for order %s failed, reconciliation will resolve it: %v", ticket, id, err)
	}
	return cur, &order.TransitionError{From: cur.Status, To: order.StatusSubmitted}
}

func (m *Manager) rejected(ctx context.Context, o order.Order, sub submission) (order.Order, error) {
	res := sub.result
	reason := res.Comment
	if reason == "" {
		reason = fmt.Sprintf("rejected with code %d", res.ReturnCode)
	}

	updated, err := m.store.UpdateOrder(ctx, o.ID, order.Patch{
		ExpectedStatus:  order.Ptr(order.StatusPending),
		Status:          order.Ptr(order.StatusRejected),
		RejectionReason: order.Ptr(reason),
		Submission:      snapshot(sub),
	})
	if err != nil {
		return m.conflict(ctx, o.ID, order.StatusRejected, err)
	}

	if _, err := m.events.Publish(ctx, order.Event{
		OrderID: o.ID,
		Type:    order.EventRejected,
		Payload: order.RejectedPayload{ReturnCode: res.ReturnCode, Reason: reason, Source: order.SourceBroker},
		Message: reason,
	}); err != nil {
		utils.GetLogger().Printf("Manager | Order %s rejected but event failed: %v", o.ID, err)
	}
	utils.GetLogger().Printf("Manager | Order %s rejected by broker: code=%d reason=%s", o.ID, res.ReturnCode, reason)
	return updated, &order.RejectionError{Code: res.ReturnCode, Message: reason}
}

func (m *Manager) unconfirmed(ctx context.Context, o order.Order, sub submission) (order.Order, error) {
	cause := "unknown"
	if sub.err != nil {
		cause = sub.err.Error()
	}
	updated, err := m.store.UpdateOrder(ctx, o.ID, order.Patch{
		ExpectedStatus: order.Ptr(order.StatusPending),
		Status:         order.Ptr(order.StatusError),
		Submission:     snapshot(sub),
	})
	if err != nil {
		return m.conflict(ctx, o.ID, order.StatusError, err)
	}

	if _, err := m.events.Publish(ctx, order.Event{
		OrderID: o.ID,
		Type:    order.EventError,
		Payload: order.ErrorPayload{Attempts: sub.attempts, Cause: cause},
		Message: order.ErrSubmissionUnconfirmed.Error(),
	}); err != nil {
		utils.GetLogger().Printf("Manager | Order %s in ERROR but event failed: %v", o.ID, err)
	}
	utils.GetLogger().Printf("Manager | Order %s submission unconfirmed after %d attempt(s): %s", o.ID, sub.attempts, cause)
	return updated, fmt.Errorf("%w: order %s after %d attempt(s): %w: %s",
		order.ErrSubmissionUnconfirmed, o.ID, sub.attempts, order.ErrTransport, cause)
}
