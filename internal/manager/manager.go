// Package manager drives orders through their lifecycle: creation,
// submission to the broker, cancellation, modification and status
// tracking. It is the only writer of order state outside reconciliation.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/simple-oms/internal/db"
	"github.com/amirphl/simple-oms/internal/event"
	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
)

// Publisher persists and fans out order events.
type Publisher interface {
	Publish(ctx context.Context, e order.Event) (order.Event, error)
}

// HandlerRegistry accepts process-level event handlers.
type HandlerRegistry interface {
	RegisterEventHandler(t order.EventType, fn event.Handler) (string, error)
}

type Config struct {
	// MaxAttempts bounds broker calls per submission.
	MaxAttempts int
	// RetryDelay is the fixed pause between submission attempts.
	RetryDelay time.Duration
	// TrackWindow bounds the broker history fetched by status tracking.
	TrackWindow time.Duration
	// BrokerTimeout bounds best-effort cancel and modify calls.
	BrokerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		TrackWindow:   24 * time.Hour,
		BrokerTimeout: 30 * time.Second,
	}
}

type Manager struct {
	store  db.Storage
	events Publisher
	broker exchange.Exchange
	cfg    Config
	now    func() time.Time
}

func New(store db.Storage, events Publisher, broker exchange.Exchange, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.TrackWindow <= 0 {
		cfg.TrackWindow = def.TrackWindow
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = def.BrokerTimeout
	}
	return &Manager{store: store, events: events, broker: broker, cfg: cfg, now: time.Now}
}

// WithClock replaces time.Now for history windows.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateParams are the caller-supplied fields of a new order.
type CreateParams struct {
	UserID     string
	StrategyID string
	Symbol     string
	Kind       order.Kind
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Magic      int64
	Comment    string
	Expiration time.Time
}

// CreateOrder stores a new DRAFT order and emits CREATED.
func (m *Manager) CreateOrder(ctx context.Context, p CreateParams) (order.Order, error) {
	o := order.Order{
		UserID:     p.UserID,
		StrategyID: p.StrategyID,
		Symbol:     p.Symbol,
		Kind:       p.Kind,
		Volume:     p.Volume,
		Price:      p.Price,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Magic:      p.Magic,
		Comment:    p.Comment,
		Expiration: p.Expiration,
		Status:     order.StatusDraft,
	}
	if err := o.Validate(); err != nil {
		return order.Order{}, err
	}

	o, err := m.store.CreateOrder(ctx, o)
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to create order: %w", err)
	}

	_, err = m.events.Publish(ctx, order.Event{
		OrderID: o.ID,
		Type:    order.EventCreated,
		Payload: order.CreatedPayload{
			UserID:     o.UserID,
			StrategyID: o.StrategyID,
			Symbol:     o.Symbol,
			Kind:       o.Kind,
			Volume:     o.Volume,
			Price:      o.Price,
		},
		Message: fmt.Sprintf("%s %s %.8f", o.Kind, o.Symbol, o.Volume),
	})
	if err != nil {
		return o, fmt.Errorf("order %s created but CREATED event failed: %w", o.ID, err)
	}

	utils.GetLogger().Printf("Manager | Order %s created: user=%s %s %s %.8f", o.ID, o.UserID, o.Kind, o.Symbol, o.Volume)
	return o, nil
}

// CancelOrder cancels an order locally, asking the broker to cancel it
// too when it has a ticket. A broker failure does not block the local
// cancellation.
func (m *Manager) CancelOrder(ctx context.Context, id string) (order.Order, error) {
	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	if !o.Status.Cancellable() {
		return o, &order.TransitionError{From: o.Status, To: order.StatusCancelled}
	}

	payload := order.CancelledPayload{PreviousStatus: o.Status, Source: order.SourceUser}
	if o.Ticket != 0 {
		bctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
		err := m.broker.CancelOrder(bctx, o.Ticket)
		cancel()
		if err != nil {
			payload.BrokerError = err.Error()
			utils.GetLogger().Printf("Manager | Broker cancel of order %s (ticket %d) failed, cancelling locally: %v", id, o.Ticket, err)
		} else {
			payload.BrokerCancelled = true
		}
	}

	updated, err := m.store.UpdateOrder(ctx, id, order.Patch{
		ExpectedStatus: order.Ptr(o.Status),
		Status:         order.Ptr(order.StatusCancelled),
	})
	if err != nil {
		return m.conflict(ctx, id, order.StatusCancelled, err)
	}

	if _, err := m.events.Publish(ctx, order.Event{
		OrderID: id,
		Type:    order.EventCancelled,
		Payload: payload,
		Message: "cancelled by user",
	}); err != nil {
		return updated, fmt.Errorf("order %s cancelled but event failed: %w", id, err)
	}

	utils.GetLogger().Printf("Manager | Order %s cancelled (was %s)", id, o.Status)
	return updated, nil
}

// Changes are the modifiable fields of an order. Nil fields are kept.
type Changes struct {
	Price      *float64
	StopLoss   *float64
	TakeProfit *float64
	Volume     *float64
	Expiration *time.Time
}

// ModifyOrder changes a live order. The broker is asked first when the
// order has a ticket; the local change is stored either way. No actual
// difference means no write and no event.
func (m *Manager) ModifyOrder(ctx context.Context, id string, c Changes) (order.Order, error) {
	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	if !o.Status.Cancellable() {
		return o, fmt.Errorf("%w: cannot modify order %s in status %s", order.ErrInvalidTransition, id, o.Status)
	}
	if err := validateChanges(o, c); err != nil {
		return o, err
	}

	var (
		diff  []order.FieldChange
		patch = order.Patch{ExpectedStatus: order.Ptr(o.Status)}
		req   exchange.ModifyRequest
	)
	priceField := func(name string, cur float64, next *float64, dst **float64, brokerDst **float64) {
		if next == nil || order.SamePrice(cur, *next) {
			return
		}
		diff = append(diff, order.FieldChange{Field: name, Old: formatFloat(cur), New: formatFloat(*next)})
		*dst = next
		*brokerDst = next
	}
	priceField("price", o.Price, c.Price, &patch.Price, &req.Price)
	priceField("stop_loss", o.StopLoss, c.StopLoss, &patch.StopLoss, &req.StopLoss)
	priceField("take_profit", o.TakeProfit, c.TakeProfit, &patch.TakeProfit, &req.TakeProfit)
	if c.Volume != nil && !order.SameVolume(o.Volume, *c.Volume) {
		diff = append(diff, order.FieldChange{Field: "volume", Old: formatFloat(o.Volume), New: formatFloat(*c.Volume)})
		patch.Volume = c.Volume
		req.Volume = c.Volume
	}
	if c.Expiration != nil && !c.Expiration.Equal(o.Expiration) {
		diff = append(diff, order.FieldChange{Field: "expiration", Old: formatTime(o.Expiration), New: formatTime(*c.Expiration)})
		patch.Expiration = c.Expiration
		req.Expiration = c.Expiration
	}
	if len(diff) == 0 {
		return o, nil
	}

	payload := order.ModifiedPayload{Changes: diff}
	if o.Ticket != 0 {
		bctx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
		err := m.broker.ModifyOrder(bctx, o.Ticket, req)
		cancel()
		if err != nil {
			payload.BrokerError = err.Error()
			utils.GetLogger().Printf("Manager | Broker modify of order %s (ticket %d) failed, storing locally: %v", id, o.Ticket, err)
		} else {
			payload.BrokerSynced = true
		}
	}

	updated, err := m.store.UpdateOrder(ctx, id, patch)
	if err != nil {
		if errors.Is(err, order.ErrStaleStatus) {
			return m.conflict(ctx, id, o.Status, err)
		}
		return o, fmt.Errorf("failed to modify order %s: %w", id, err)
	}

	if _, err := m.events.Publish(ctx, order.Event{
		OrderID: id,
		Type:    order.EventModified,
		Payload: payload,
		Message: fmt.Sprintf("%d field(s) changed", len(diff)),
	}); err != nil {
		return updated, fmt.Errorf("order %s modified but event failed: %w", id, err)
	}
	return updated, nil
}

func validateChanges(o order.Order, c Changes) error {
	for name, v := range map[string]*float64{"price": c.Price, "stop_loss": c.StopLoss, "take_profit": c.TakeProfit} {
		if v != nil && *v < 0 {
			return &order.ValidationError{Field: name, Reason: "must not be negative"}
		}
	}
	if c.Volume != nil {
		if *c.Volume <= 0 {
			return &order.ValidationError{Field: "volume", Reason: "volume must be positive"}
		}
		if *c.Volume < o.FilledVolume {
			return &order.ValidationError{Field: "volume", Reason: fmt.Sprintf("volume %.8f is below filled volume %.8f", *c.Volume, o.FilledVolume)}
		}
	}
	return nil
}

// conflict turns a failed compare-and-set into a transition error against
// the status the order has now.
func (m *Manager) conflict(ctx context.Context, id string, to order.Status, err error) (order.Order, error) {
	if !errors.Is(err, order.ErrStaleStatus) {
		return order.Order{}, fmt.Errorf("failed to update order %s: %w", id, err)
	}
	cur, gerr := m.store.GetOrder(ctx, id)
	if gerr != nil {
		return order.Order{}, fmt.Errorf("failed to update order %s: %w", id, err)
	}
	return cur, &order.TransitionError{From: cur.Status, To: to}
}

func (m *Manager) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return m.store.GetOrder(ctx, id)
}

func (m *Manager) GetActiveOrders(ctx context.Context, userID string) ([]order.Order, error) {
	return m.store.GetActiveOrders(ctx, userID)
}

func (m *Manager) GetEvents(ctx context.Context, orderID string) ([]order.Event, error) {
	return m.store.GetEvents(ctx, orderID)
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.8f", v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
