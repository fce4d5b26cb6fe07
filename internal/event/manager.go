// Package event publishes order lifecycle events. Every event is written to
// the store before it is queued, so the audit trail does not depend on
// anyone listening. A single goroutine delivers queued events to
// process-level handlers and then to subscriptions, one at a time, which
// keeps the per-order order of events without per-order locks.
package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirphl/simple-oms/internal/db"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
)

// Handler reacts to a delivered event. Returned errors and panics are
// logged and counted; they never reach the publisher.
type Handler func(ctx context.Context, e order.Event) error

// Subscription selects the events a subscriber receives. Zero fields match
// everything.
type Subscription struct {
	UserID  string
	OrderID string
	Types   []order.EventType
}

func (s Subscription) wants(t order.EventType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, v := range s.Types {
		if v == t {
			return true
		}
	}
	return false
}

type Config struct {
	QueueSize      int
	HandlerTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{QueueSize: 1024, HandlerTimeout: 10 * time.Second}
}

type registered struct {
	id string
	fn Handler
}

type subscription struct {
	id  string
	sub Subscription
	fn  Handler
}

// Stats are cumulative counters since construction.
type Stats struct {
	Published       int64
	Dispatched      int64
	HandlerFailures int64
	Undelivered     int64
	Queued          int
}

type Manager struct {
	store db.Storage
	cfg   Config
	queue *queue

	mu       sync.RWMutex
	handlers map[order.EventType][]registered
	subs     []subscription
	nextID   atomic.Uint64

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	published   atomic.Int64
	dispatched  atomic.Int64
	failures    atomic.Int64
	undelivered atomic.Int64
}

func NewManager(store db.Storage, cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		queue:    newQueue(cfg.QueueSize),
		handlers: make(map[order.EventType][]registered),
		done:     make(chan struct{}),
	}
}

// Publish persists e and queues it for delivery. It returns the stored
// event. Once the event is stored, failing to queue it is not an error:
// it stays retrievable through the store and Replay.
func (m *Manager) Publish(ctx context.Context, e order.Event) (order.Event, error) {
	if err := e.Validate(); err != nil {
		return order.Event{}, err
	}
	stored, err := m.store.CreateEvent(ctx, e)
	if err != nil {
		return order.Event{}, fmt.Errorf("failed to persist %s event for order %s: %w", e.Type, e.OrderID, err)
	}
	m.published.Add(1)

	if err := m.queue.publish(ctx, stored); err != nil {
		m.undelivered.Add(1)
		utils.GetLogger().Printf("EventManager | %s event %s for order %s stored but not queued: %v",
			stored.Type, stored.ID, stored.OrderID, err)
	}
	return stored, nil
}

// Start launches the dispatch goroutine. It runs until Shutdown or until
// ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		defer close(m.done)
		m.queue.run(runCtx, m.dispatch)
	}()
	utils.GetLogger().Printf("EventManager | started (queue size %d)", m.cfg.QueueSize)
}

// Shutdown stops accepting events for delivery and waits for the queued
// ones to be delivered until ctx is done. Whatever is left is only in the
// store.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.queue.close()

	m.runMu.Lock()
	started := m.started
	cancel := m.cancel
	m.runMu.Unlock()

	if !started {
		left := m.queue.len()
		m.undelivered.Add(int64(left))
		utils.GetLogger().Printf("EventManager | shut down before start, %d event(s) left undelivered", left)
		return nil
	}

	select {
	case <-m.done:
		if left := m.queue.len(); left > 0 {
			// the run context ended before Shutdown
			m.undelivered.Add(int64(left))
			utils.GetLogger().Printf("EventManager | shut down, %d event(s) left undelivered", left)
			return nil
		}
		utils.GetLogger().Printf("EventManager | shut down, queue drained")
		return nil
	case <-ctx.Done():
		cancel()
		<-m.done
		left := m.queue.len()
		m.undelivered.Add(int64(left))
		return fmt.Errorf("event manager shutdown: %d event(s) left undelivered: %w", left, ctx.Err())
	}
}

func (m *Manager) dispatch(e order.Event) {
	m.dispatched.Add(1)

	m.mu.RLock()
	handlers := append([]registered(nil), m.handlers[e.Type]...)
	subs := append([]subscription(nil), m.subs...)
	m.mu.RUnlock()

	for _, h := range handlers {
		m.call(h.id, h.fn, e)
	}

	var (
		owner       string
		ownerLoaded bool
		ownerErr    error
	)
	for _, s := range subs {
		if !s.sub.wants(e.Type) {
			continue
		}
		if s.sub.OrderID != "" && s.sub.OrderID != e.OrderID {
			continue
		}
		if s.sub.UserID != "" {
			if !ownerLoaded {
				owner, ownerErr = m.owner(e.OrderID)
				ownerLoaded = true
				if ownerErr != nil {
					utils.GetLogger().Printf("EventManager | owner lookup for order %s failed, skipping user subscriptions: %v", e.OrderID, ownerErr)
				}
			}
			// fail closed
			if ownerErr != nil || owner != s.sub.UserID {
				continue
			}
		}
		m.call(s.id, s.fn, e)
	}
}

func (m *Manager) owner(orderID string) (string, error) {
	ctx, cancel := m.handlerContext()
	defer cancel()
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.UserID, nil
}

func (m *Manager) handlerContext() (context.Context, context.CancelFunc) {
	if m.cfg.HandlerTimeout > 0 {
		return context.WithTimeout(context.Background(), m.cfg.HandlerTimeout)
	}
	return context.WithCancel(context.Background())
}

// call runs one handler, isolating its failure.
func (m *Manager) call(id string, fn Handler, e order.Event) {
	ctx, cancel := m.handlerContext()
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, e)
	}()
	if err != nil {
		m.failures.Add(1)
		utils.GetLogger().Printf("EventManager | handler %s failed on %s event %s for order %s: %v", id, e.Type, e.ID, e.OrderID, err)
	}
}

func (m *Manager) newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, m.nextID.Add(1))
}

// RegisterEventHandler attaches a process-level reaction to every event of
// type t.
func (m *Manager) RegisterEventHandler(t order.EventType, fn Handler) (string, error) {
	if !t.Valid() {
		return "", &order.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", t)}
	}
	if fn == nil {
		return "", &order.ValidationError{Field: "handler", Reason: "handler is required"}
	}
	id := m.newID("handler")
	m.mu.Lock()
	m.handlers[t] = append(m.handlers[t], registered{id: id, fn: fn})
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) UnregisterEventHandler(t order.EventType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handlers[t]
	for i, h := range hs {
		if h.id == id {
			m.handlers[t] = append(hs[:i:i], hs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event handler %s for %s: %w", id, t, order.ErrNotFound)
}

func (m *Manager) Subscribe(sub Subscription, fn Handler) (string, error) {
	if fn == nil {
		return "", &order.ValidationError{Field: "handler", Reason: "handler is required"}
	}
	for _, t := range sub.Types {
		if !t.Valid() {
			return "", &order.ValidationError{Field: "types", Reason: fmt.Sprintf("unknown event type %q", t)}
		}
	}
	sub.Types = append([]order.EventType(nil), sub.Types...)
	id := m.newID("sub")
	m.mu.Lock()
	m.subs = append(m.subs, subscription{id: id, sub: sub, fn: fn})
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("subscription %s: %w", id, order.ErrNotFound)
}

// Replay hands every stored event of an order to fn, oldest first. It is
// how a consumer catches up after a restart, since subscriptions do not
// survive one.
func (m *Manager) Replay(ctx context.Context, orderID string, fn Handler) (int, error) {
	if fn == nil {
		return 0, &order.ValidationError{Field: "handler", Reason: "handler is required"}
	}
	events, err := m.store.GetEvents(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load events for order %s: %w", orderID, err)
	}
	for i, e := range events {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := fn(ctx, e); err != nil {
			return i, fmt.Errorf("replay of event %s stopped: %w", e.ID, err)
		}
	}
	return len(events), nil
}

func (m *Manager) Stats() Stats {
	return Stats{
		Published:       m.published.Load(),
		Dispatched:      m.dispatched.Load(),
		HandlerFailures: m.failures.Load(),
		Undelivered:     m.undelivered.Load(),
		Queued:          m.queue.len(),
	}
}
