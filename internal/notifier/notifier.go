// Package notifier
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/reconcile"
	"github.com/amirphl/simple-oms/internal/utils"
)

// Notifier interface for sending notifications (e.g., Telegram, email).
type Notifier interface {
	Send(ctx context.Context, msg string) error
	SendWithRetry(ctx context.Context, msg string) error
	RetryWithNotification(ctx context.Context, action func() error, description string) error
}

// Noop drops every message. Used when no chat is configured.
type Noop struct{}

func (Noop) Send(context.Context, string) error          { return nil }
func (Noop) SendWithRetry(context.Context, string) error { return nil }

func (Noop) RetryWithNotification(_ context.Context, action func() error, _ string) error {
	return action()
}

// NotifiedEvents are the event types EventHandler reports.
var NotifiedEvents = []order.EventType{order.EventRejected, order.EventError, order.EventFilled}

// ReportTimeout bounds the delivery of one reconciliation report.
const ReportTimeout = 30 * time.Second

// EventHandler returns an event handler that reports an event to n. The
// send is abandoned when the handler's ctx is done.
func EventHandler(n Notifier) func(context.Context, order.Event) error {
	return func(ctx context.Context, e order.Event) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return n.SendWithRetry(ctx, FormatEvent(e))
	}
}

// FormatEvent renders an event as a chat message.
func FormatEvent(e order.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s: %s", e.OrderID, e.Type)
	switch p := e.Payload.(type) {
	case order.FillPayload:
		fmt.Fprintf(&b, "\nFilled: %.8f (+%.8f) @ %.8f, avg %.8f", p.FilledVolume, p.DeltaVolume, p.FillPrice, p.AverageFillPrice)
	case order.RejectedPayload:
		fmt.Fprintf(&b, "\nReason: %s (code %d)", p.Reason, p.ReturnCode)
	case order.ErrorPayload:
		fmt.Fprintf(&b, "\nSubmission unconfirmed after %d attempt(s): %s", p.Attempts, p.Cause)
	default:
		if e.Message != "" {
			fmt.Fprintf(&b, "\n%s", e.Message)
		}
	}
	return b.String()
}

// ReportHandler returns a reconciliation callback that reports orders
// missing at the broker.
func ReportHandler(n Notifier) func(reconcile.Report) {
	return func(r reconcile.Report) {
		missing := r.Missing()
		if len(missing) == 0 {
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Reconciliation: %d order(s) missing at broker", len(missing))
		for _, d := range missing {
			fmt.Fprintf(&b, "\n- %s (ticket %d, %s)", d.OrderID, d.Ticket, d.Local)
		}
		ctx, cancel := context.WithTimeout(context.Background(), ReportTimeout)
		defer cancel()
		if err := n.SendWithRetry(ctx, b.String()); err != nil {
			utils.GetLogger().Printf("Notifier | Failed to report reconciliation: %v", err)
		}
	}
}
