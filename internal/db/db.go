// Package db
package db

import (
	"context"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
)

// Filter narrows GetOrders. Zero fields match everything.
type Filter struct {
	UserID         string
	StrategyID     string
	Symbol         string
	Statuses       []order.Status
	IncludeDeleted bool
}

// Page is a limit/offset window. Limit 0 means no limit.
type Page struct {
	Limit  int
	Offset int
}

// Storage is the durable order store. Writes to one order id are visible
// to the next read of that id. Every timestamp is stamped by the store.
type Storage interface {
	CreateOrder(ctx context.Context, o order.Order) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	UpdateOrder(ctx context.Context, id string, patch order.Patch) (order.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	GetOrders(ctx context.Context, filter Filter, page Page) ([]order.Order, error)
	GetActiveOrders(ctx context.Context, userID string) ([]order.Order, error)

	CreateEvent(ctx context.Context, e order.Event) (order.Event, error)
	GetEvents(ctx context.Context, orderID string) ([]order.Event, error)

	// GetAllOrdersForReconciliation returns every order created at or after
	// since that the broker may know about: a nonzero ticket, or ERROR.
	// Soft-deleted orders are included.
	GetAllOrdersForReconciliation(ctx context.Context, since time.Time) ([]order.Order, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for timestamp stamping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepareCreate fills defaults for a new order and validates it.
func prepareCreate(o order.Order, id string, now time.Time) (order.Order, error) {
	if o.ID == "" {
		o.ID = id
	}
	if o.Status == "" {
		o.Status = order.StatusDraft
	}
	if o.FilledVolume <= 0 {
		o.AverageFillPrice = 0
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	o.OpenedAt = time.Time{}
	o.DeletedAt = time.Time{}
	if o.Status == order.StatusSubmitted {
		o.OpenedAt = now
	}
	if err := o.Validate(); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// preparePatch applies a patch to the current row, checking the
// compare-and-set guard and the order invariants.
func preparePatch(cur order.Order, patch order.Patch, now time.Time) (order.Order, error) {
	if patch.ExpectedStatus != nil && cur.Status != *patch.ExpectedStatus {
		return order.Order{}, &staleError{id: cur.ID, expected: *patch.ExpectedStatus, actual: cur.Status}
	}
	next := patch.Apply(cur)
	if err := next.Validate(); err != nil {
		return order.Order{}, err
	}
	if next.Status == order.StatusSubmitted && next.OpenedAt.IsZero() {
		next.OpenedAt = now
	}
	next.UpdatedAt = now
	return next, nil
}

func matches(o order.Order, f Filter) bool {
	if !f.IncludeDeleted && o.Deleted() {
		return false
	}
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.StrategyID != "" && o.StrategyID != f.StrategyID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
