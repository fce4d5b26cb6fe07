package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
	"github.com/google/uuid"
)

// MemoryStorage keeps orders and events in process memory. It satisfies
// Storage for tests and for paper trading.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by ID
	orders map[string]order.Order

	// Events by order ID (append-only)
	events map[string][]order.Event
	seq    int64

	now func() time.Time
}

func NewMemory(opts ...Option) *MemoryStorage {
	o := buildOptions(opts)
	return &MemoryStorage{
		orders: make(map[string]order.Order),
		events: make(map[string][]order.Event),
		now:    o.now,
	}
}

func (m *MemoryStorage) stamp() time.Time {
	return m.now().UTC()
}

func clone(o order.Order) order.Order {
	if o.Submission != nil {
		s := *o.Submission
		o.Submission = &s
	}
	return o
}

// -------- Orders --------

func (m *MemoryStorage) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := prepareCreate(clone(o), uuid.NewString(), m.stamp())
	if err != nil {
		return order.Order{}, err
	}
	if _, ok := m.orders[o.ID]; ok {
		return order.Order{}, fmt.Errorf("%w: order %s already exists", order.ErrConstraint, o.ID)
	}
	m.orders[o.ID] = o
	return clone(o), nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, id string) (order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, orderNotFound(id)
	}
	return clone(o), nil
}

func (m *MemoryStorage) UpdateOrder(ctx context.Context, id string, patch order.Patch) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok {
		return order.Order{}, orderNotFound(id)
	}
	next, err := preparePatch(clone(cur), patch, m.stamp())
	if err != nil {
		return order.Order{}, err
	}
	m.orders[id] = next
	return clone(next), nil
}

func (m *MemoryStorage) DeleteOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return orderNotFound(id)
	}
	if o.Deleted() {
		return nil
	}
	now := m.stamp()
	o.DeletedAt = now
	o.UpdatedAt = now
	m.orders[id] = o
	return nil
}

func (m *MemoryStorage) GetOrders(ctx context.Context, filter Filter, page Page) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if matches(o, filter) {
			out = append(out, clone(o))
		}
	}
	sortOrders(out)
	return paginate(out, page), nil
}

func (m *MemoryStorage) GetActiveOrders(ctx context.Context, userID string) ([]order.Order, error) {
	return m.GetOrders(ctx, Filter{UserID: userID, Statuses: order.ActiveStatuses}, Page{})
}

func (m *MemoryStorage) GetAllOrdersForReconciliation(ctx context.Context, since time.Time) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		if o.Ticket != 0 || o.Status == order.StatusError {
			out = append(out, clone(o))
		}
	}
	sortOrders(out)
	return out, nil
}

// -------- Events --------

func (m *MemoryStorage) CreateEvent(ctx context.Context, e order.Event) (order.Event, error) {
	if err := e.Validate(); err != nil {
		return order.Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[e.OrderID]; !ok {
		return order.Event{}, orderNotFound(e.OrderID)
	}
	m.seq++
	e.ID = uuid.NewString()
	e.Seq = m.seq
	e.Timestamp = m.stamp()
	m.events[e.OrderID] = append(m.events[e.OrderID], e)
	return e, nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, orderID string) ([]order.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[orderID]
	out := make([]order.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func sortOrders(out []order.Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func paginate(out []order.Order, page Page) []order.Order {
	if page.Offset > 0 {
		if page.Offset >= len(out) {
			return nil
		}
		out = out[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(out) {
		out = out[:page.Limit]
	}
	return out
}
