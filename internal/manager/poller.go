package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/simple-oms/internal/db"
	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
)

// RunStatusPoller periodically tracks every order live at the broker
// until ctx is done.
func (m *Manager) RunStatusPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	utils.GetLogger().Printf("Manager | Starting order status poller (every %v)", interval)

	for {
		select {
		case <-ctx.Done():
			utils.GetLogger().Println("Manager | Order status poller stopped")
			return
		case <-ticker.C:
			if _, err := m.PollOnce(ctx); err != nil {
				utils.GetLogger().Printf("Manager | Status poll failed: %v", err)
			}
		}
	}
}

// PollOnce tracks all SUBMITTED and PARTIALLY_FILLED orders with a single
// broker history fetch. It returns how many orders changed.
func (m *Manager) PollOnce(ctx context.Context) (int, error) {
	orders, err := m.store.GetOrders(ctx, db.Filter{
		Statuses: []order.Status{order.StatusSubmitted, order.StatusPartiallyFilled},
	}, db.Page{})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	to := m.now().UTC()
	from := to.Add(-m.cfg.TrackWindow)
	// orders are oldest first
	if oldest := orders[0].CreatedAt; oldest.After(from) {
		from = oldest
	}
	history, err := m.broker.GetOrderHistory(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch broker history: %w", err)
	}
	index := exchange.NewHistory(history)

	changed := 0
	for _, o := range orders {
		h, ok := index.ByTicket(o.Ticket)
		if !ok {
			utils.GetLogger().Printf("Manager | Order %s (ticket %d) not in broker history", o.ID, o.Ticket)
			continue
		}
		obs, err := observe(h, order.SourceTracker)
		if err != nil {
			utils.GetLogger().Printf("Manager | Order %s: %v", o.ID, err)
			continue
		}
		if _, ok, err := m.apply(ctx, o.ID, obs); err != nil {
			utils.GetLogger().Printf("Manager | Failed to update order %s from broker: %v", o.ID, err)
		} else if ok {
			changed++
		}
	}
	return changed, nil
}
