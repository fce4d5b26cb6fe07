// Package reconcile periodically compares local orders with the broker's
// order history and heals the local side where they disagree.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/simple-oms/internal/db"
	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
)

// Publisher persists and fans out order events.
type Publisher interface {
	Publish(ctx context.Context, e order.Event) (order.Event, error)
}

type Config struct {
	// Interval between timer-driven sweeps.
	Interval time.Duration
	// Lookback bounds which orders and which broker history a sweep reads.
	Lookback time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Lookback: 7 * 24 * time.Hour,
	}
}

// Engine runs reconciliation sweeps. Sweeps never overlap.
type Engine struct {
	store  db.Storage
	events Publisher
	broker exchange.Exchange
	cfg    Config
	now    func() time.Time

	sweep sync.Mutex

	mu       sync.Mutex
	last     *Report
	onReport []func(Report)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(store db.Storage, events Publisher, broker exchange.Exchange, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	return &Engine{store: store, events: events, broker: broker, cfg: cfg, now: time.Now}
}

// WithClock replaces time.Now for the sweep window.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// OnReport registers fn to be called with the report of every sweep.
func (e *Engine) OnReport(fn func(Report)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReport = append(e.onReport, fn)
}

// LastReport returns the report of the latest completed sweep.
func (e *Engine) LastReport() (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Report{}, false
	}
	return *e.last, true
}

// Start runs sweeps every Interval until Stop is called or ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Stop ends the timer loop and waits for a running sweep to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	utils.GetLogger().Printf("Reconciler | Starting reconciliation every %v (lookback %v)", e.cfg.Interval, e.cfg.Lookback)

	for {
		select {
		case <-ctx.Done():
			utils.GetLogger().Println("Reconciler | Reconciliation stopped")
			return
		case <-ticker.C:
			if !e.sweep.TryLock() {
				utils.GetLogger().Println("Reconciler | Previous sweep still running, skipping tick")
				continue
			}
			_, err := e.reconcileLocked(ctx)
			e.sweep.Unlock()
			if err != nil {
				utils.GetLogger().Printf("Reconciler | Sweep failed: %v", err)
			}
		}
	}
}

// ReconcileOrders runs one sweep, waiting for a sweep in progress first.
func (e *Engine) ReconcileOrders(ctx context.Context) (Report, error) {
	e.sweep.Lock()
	defer e.sweep.Unlock()
	return e.reconcileLocked(ctx)
}

func (e *Engine) reconcileLocked(ctx context.Context) (Report, error) {
	start := time.Now()
	now := e.now().UTC()
	since := now.Add(-e.cfg.Lookback)
	report := Report{Timestamp: now}

	orders, err := e.store.GetAllOrdersForReconciliation(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to load orders for reconciliation: %w", err)
	}
	report.TotalOrders = len(orders)

	if len(orders) > 0 {
		history, err := e.broker.GetOrderHistory(ctx, since, now)
		if err != nil {
			return report, fmt.Errorf("failed to fetch broker history: %w", err)
		}
		index := exchange.NewHistory(history)

		for _, o := range orders {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			default:
			}

			h, ok := match(index, o)
			if !ok {
				report.add(Discrepancy{
					OrderID:     o.ID,
					Ticket:      o.Ticket,
					Kind:        KindMissing,
					Local:       string(o.Status),
					Description: "order not found in broker history",
				})
				utils.GetLogger().Printf("Reconciler | Order %s (ticket %d, %s) missing at broker", o.ID, o.Ticket, o.Status)
				continue
			}

			ds, err := e.reconcileOrder(ctx, o, h)
			if errors.Is(err, order.ErrStaleStatus) {
				utils.GetLogger().Printf("Reconciler | Order %s changed during sweep, skipping", o.ID)
				continue
			}
			for _, d := range ds {
				report.add(d)
			}
			if err != nil {
				utils.GetLogger().Printf("Reconciler | Failed to heal order %s: %v", o.ID, err)
				continue
			}
			report.ReconciledCount++
		}
	}

	report.Duration = time.Since(start)
	utils.GetLogger().Printf("Reconciler | Sweep done: %d orders, %d reconciled, %d discrepancies, %d healed",
		report.TotalOrders, report.ReconciledCount, report.DiscrepancyCount, report.Healed)

	e.mu.Lock()
	e.last = &report
	callbacks := append([]func(Report){}, e.onReport...)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn(report)
	}
	return report, nil
}

// match finds the broker view of o: by ticket, or by client id for an
// ERROR order whose submission was never confirmed.
func match(index exchange.History, o order.Order) (exchange.HistoryOrder, bool) {
	if o.Ticket != 0 {
		return index.ByTicket(o.Ticket)
	}
	if o.Status == order.StatusError {
		return index.ByClientID(o.ID)
	}
	return exchange.HistoryOrder{}, false
}

// reconcileOrder compares o with the broker and heals the differences in
// one compare-and-set write. The broker wins; the heal may take edges the
// live state graph does not allow.
func (e *Engine) reconcileOrder(ctx context.Context, o order.Order, h exchange.HistoryOrder) ([]Discrepancy, error) {
	status, ok := h.Status()
	if !ok {
		return nil, fmt.Errorf("ticket %d: unknown broker state %q", h.Ticket, h.State)
	}
	filled := order.ClampFilled(h.VolumeCurrent, o.Volume)
	if status == order.StatusFilled && filled <= 0 {
		filled = o.Volume
	}
	price := h.FillPrice()

	var ds []Discrepancy
	patch := order.Patch{ExpectedStatus: order.Ptr(o.Status)}
	adopt := o.Ticket == 0
	if adopt {
		patch.Ticket = order.Ptr(h.Ticket)
	}

	if status != o.Status {
		ds = append(ds, Discrepancy{
			Kind:        KindStatus,
			Local:       string(o.Status),
			Broker:      string(h.State),
			Description: fmt.Sprintf("status %s locally, %s at broker", o.Status, h.State),
		})
		patch.Status = order.Ptr(status)
		if status == order.StatusRejected {
			reason := h.Comment
			if reason == "" {
				reason = "rejected by broker"
			}
			patch.RejectionReason = order.Ptr(reason)
		}
	}
	volumeChanged := !order.SameVolume(filled, o.FilledVolume)
	if volumeChanged {
		ds = append(ds, Discrepancy{
			Kind:        KindVolume,
			Local:       fmt.Sprintf("%.8f", o.FilledVolume),
			Broker:      fmt.Sprintf("%.8f", filled),
			Description: fmt.Sprintf("filled %.8f locally, %.8f at broker", o.FilledVolume, filled),
		})
		patch.FilledVolume = order.Ptr(filled)
	}
	if filled > 0 && price > 0 && !order.SamePrice(price, o.AverageFillPrice) {
		ds = append(ds, Discrepancy{
			Kind:        KindPrice,
			Local:       fmt.Sprintf("%.8f", o.AverageFillPrice),
			Broker:      fmt.Sprintf("%.8f", price),
			Description: fmt.Sprintf("average fill price %.8f locally, %.8f at broker", o.AverageFillPrice, price),
		})
		patch.AverageFillPrice = order.Ptr(price)
	}
	for i := range ds {
		ds[i].OrderID = o.ID
		ds[i].Ticket = h.Ticket
	}
	if len(ds) == 0 && !adopt {
		return nil, nil
	}

	updated, err := e.store.UpdateOrder(ctx, o.ID, patch)
	if err != nil {
		if errors.Is(err, order.ErrStaleStatus) {
			return nil, err
		}
		return ds, fmt.Errorf("failed to heal order %s: %w", o.ID, err)
	}
	for i := range ds {
		ds[i].Healed = true
	}
	if !order.CanTransition(o.Status, updated.Status) && o.Status != updated.Status {
		utils.GetLogger().Printf("Reconciler | Order %s healed %s -> %s outside the live state graph", o.ID, o.Status, updated.Status)
	}

	if updated.Status != o.Status || volumeChanged {
		fillPrice := order.FillPriceFromAverage(o.FilledVolume, o.AverageFillPrice, filled, price)
		if ev, ok := healEvent(o, updated, filled-o.FilledVolume, fillPrice); ok {
			if _, err := e.events.Publish(ctx, ev); err != nil {
				utils.GetLogger().Printf("Reconciler | Order %s healed but event failed: %v", o.ID, err)
			}
		}
	}
	utils.GetLogger().Printf("Reconciler | Order %s healed: %s -> %s, filled %.8f -> %.8f",
		o.ID, o.Status, updated.Status, o.FilledVolume, updated.FilledVolume)
	return ds, nil
}

// healEvent announces the state a heal moved the order into.
func healEvent(prev, next order.Order, delta, price float64) (order.Event, bool) {
	t, ok := order.EventFor(next.Status)
	if !ok {
		return order.Event{}, false
	}
	e := order.Event{OrderID: next.ID, Type: t, Message: "healed by reconciliation"}
	src := order.SourceReconciliation
	switch next.Status {
	case order.StatusSubmitted:
		e.Payload = order.SubmittedPayload{Ticket: next.Ticket, Source: src}
	case order.StatusPartiallyFilled, order.StatusFilled:
		e.Payload = order.FillPayload{
			FilledVolume:     next.FilledVolume,
			DeltaVolume:      delta,
			FillPrice:        price,
			AverageFillPrice: next.AverageFillPrice,
			Source:           src,
		}
	case order.StatusCancelled:
		e.Payload = order.CancelledPayload{PreviousStatus: prev.Status, BrokerCancelled: true, Source: src}
	case order.StatusRejected:
		e.Payload = order.RejectedPayload{Reason: next.RejectionReason, Source: src}
	case order.StatusExpired:
		e.Payload = order.ExpiredPayload{Source: src}
	default:
		return order.Event{}, false
	}
	return e, true
}
