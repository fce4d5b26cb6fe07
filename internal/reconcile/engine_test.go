package reconcile

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirphl/simple-oms/internal/db"
	"github.com/amirphl/simple-oms/internal/event"
	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	utils.SetOutput(io.Discard)
}

type fixture struct {
	store  *db.MemoryStorage
	paper  *exchange.PaperExchange
	engine *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := db.NewMemory()
	paper := exchange.NewPaperExchange()
	require.NoError(t, paper.Connect(context.Background()))
	events := event.NewManager(store, event.DefaultConfig())
	return fixture{
		store:  store,
		paper:  paper,
		engine: New(store, events, paper, Config{Interval: time.Hour}),
	}
}

func (f fixture) createOrder(t *testing.T, status order.Status, ticket uint64) order.Order {
	t.Helper()
	o, err := f.store.CreateOrder(context.Background(), order.Order{
		UserID: "u1", Symbol: "EURUSD", Kind: order.KindBuyLimit,
		Volume: 1, Price: 1.1, Status: status, Ticket: ticket,
	})
	require.NoError(t, err)
	return o
}

// placed sends o to the paper broker and records the ticket locally.
func (f fixture) placed(t *testing.T) order.Order {
	t.Helper()
	res, err := f.paper.OpenPosition(context.Background(), exchange.OrderRequest{
		ClientID: "c", Symbol: "EURUSD", Kind: order.KindBuyLimit, Volume: 1, Price: 1.1,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted())
	return f.createOrder(t, order.StatusSubmitted, res.Ticket)
}

func (f fixture) events(t *testing.T, id string) []order.Event {
	t.Helper()
	events, err := f.store.GetEvents(context.Background(), id)
	require.NoError(t, err)
	return events
}

func TestMissingOrderIsReportedNotHealed(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, order.StatusSubmitted, 999)

	report, err := f.engine.ReconcileOrders(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.TotalOrders)
	assert.Zero(t, report.ReconciledCount)
	require.Equal(t, 1, report.DiscrepancyCount)
	d := report.Discrepancies[0]
	assert.Equal(t, KindMissing, d.Kind)
	assert.Equal(t, o.ID, d.OrderID)
	assert.Equal(t, uint64(999), d.Ticket)
	assert.False(t, d.Healed)
	assert.Zero(t, report.Healed)

	got, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, got.Status)
	assert.Empty(t, f.events(t, o.ID))
}

func TestFilledAtBrokerIsHealedOnce(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	require.NoError(t, f.paper.Fill(o.Ticket, 1.0, 1.2))

	report, err := f.engine.ReconcileOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReconciledCount)

	kinds := map[Kind]bool{}
	for _, d := range report.Discrepancies {
		kinds[d.Kind] = true
		assert.True(t, d.Healed)
	}
	assert.Equal(t, map[Kind]bool{KindStatus: true, KindVolume: true, KindPrice: true}, kinds)
	assert.Equal(t, 3, report.Healed)

	got, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, got.Status)
	assert.Equal(t, 1.0, got.FilledVolume)
	assert.Equal(t, 1.2, got.AverageFillPrice)

	events := f.events(t, o.ID)
	require.Len(t, events, 1)
	assert.Equal(t, order.EventFilled, events[0].Type)
	assert.Equal(t, order.SourceReconciliation, events[0].Payload.(order.FillPayload).Source)

	again, err := f.engine.ReconcileOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.ReconciledCount)
	assert.Zero(t, again.DiscrepancyCount)
	assert.Len(t, f.events(t, o.ID), 1)
}

func TestStatusHeals(t *testing.T) {
	tests := []struct {
		name   string
		state  exchange.BrokerState
		filled float64
		want   order.Status
		event  order.EventType
	}{
		{"cancelled at broker", exchange.StateCanceled, 0, order.StatusCancelled, order.EventCancelled},
		{"expired at broker", exchange.StateExpired, 0, order.StatusExpired, order.EventExpired},
		{"partially filled at broker", exchange.StatePartial, 0.4, order.StatusPartiallyFilled, order.EventPartiallyFilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.placed(t)
			f.paper.SetState(exchange.HistoryOrder{
				Ticket: o.Ticket, Symbol: "EURUSD", State: tt.state,
				Volume: 1, VolumeCurrent: tt.filled, PriceOpen: 1.1,
			})

			_, err := f.engine.ReconcileOrders(context.Background())
			require.NoError(t, err)

			got, err := f.store.GetOrder(context.Background(), o.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.filled, got.FilledVolume)

			events := f.events(t, o.ID)
			require.Len(t, events, 1)
			assert.Equal(t, tt.event, events[0].Type)
		})
	}
}

func TestPendingRequestKeepsPartialFill(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	require.NoError(t, f.paper.Fill(o.Ticket, 0.5, 1.1))
	_, err := f.engine.ReconcileOrders(context.Background())
	require.NoError(t, err)

	for _, state := range []exchange.BrokerState{exchange.StateRequestModify, exchange.StateRequestCancel} {
		f.paper.SetState(exchange.HistoryOrder{
			Ticket: o.Ticket, Symbol: "EURUSD", State: state,
			Volume: 1, VolumeCurrent: 0.5, PriceOpen: 1.1, PriceFill: 1.1,
		})

		report, err := f.engine.ReconcileOrders(context.Background())
		require.NoError(t, err)
		assert.Zero(t, report.DiscrepancyCount, state)

		got, err := f.store.GetOrder(context.Background(), o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPartiallyFilled, got.Status, state)
		assert.Equal(t, 0.5, got.FilledVolume)
	}
	assert.Len(t, f.events(t, o.ID), 1)
}

func TestErrorOrderAdoptsBrokerTicket(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, order.StatusError, 0)
	f.paper.SetState(exchange.HistoryOrder{
		Ticket: 5000, ClientID: o.ID, Symbol: "EURUSD", State: exchange.StatePlaced, Volume: 1, PriceOpen: 1.1,
	})

	report, err := f.engine.ReconcileOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReconciledCount)
	require.Equal(t, 1, report.DiscrepancyCount)
	assert.Equal(t, KindStatus, report.Discrepancies[0].Kind)
	assert.Equal(t, uint64(5000), report.Discrepancies[0].Ticket)

	got, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, got.Status)
	assert.Equal(t, uint64(5000), got.Ticket)

	events := f.events(t, o.ID)
	require.Len(t, events, 1)
	assert.Equal(t, order.EventSubmitted, events[0].Type)
}

func TestErrorOrderUnknownToBrokerIsMissing(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, order.StatusError, 0)

	report, err := f.engine.ReconcileOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Missing(), 1)
	assert.Equal(t, o.ID, report.Missing()[0].OrderID)

	got, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusError, got.Status)
}

func TestHistoryFailureAbortsSweep(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, order.StatusSubmitted, 1)
	require.NoError(t, f.paper.Disconnect())

	_, err := f.engine.ReconcileOrders(context.Background())
	require.ErrorIs(t, err, exchange.ErrNotConnected)
	_, ok := f.engine.LastReport()
	assert.False(t, ok)
}

// racingStore cancels the order right after the sweep has read it.
type racingStore struct {
	*db.MemoryStorage
	victim string
}

func (s racingStore) GetAllOrdersForReconciliation(ctx context.Context, since time.Time) ([]order.Order, error) {
	orders, err := s.MemoryStorage.GetAllOrdersForReconciliation(ctx, since)
	if err != nil {
		return nil, err
	}
	_, err = s.UpdateOrder(ctx, s.victim, order.Patch{Status: order.Ptr(order.StatusCancelled)})
	return orders, err
}

func TestConcurrentUpdateSkipsOrder(t *testing.T) {
	f := newFixture(t)
	o := f.placed(t)
	require.NoError(t, f.paper.Fill(o.Ticket, 1.0, 1.1))

	store := racingStore{MemoryStorage: f.store, victim: o.ID}
	engine := New(store, event.NewManager(store, event.DefaultConfig()), f.paper, Config{})

	report, err := engine.ReconcileOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalOrders)
	assert.Zero(t, report.ReconciledCount)
	assert.Zero(t, report.DiscrepancyCount)

	got, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
}

func TestReportCallbacksAndTimer(t *testing.T) {
	store := db.NewMemory()
	paper := exchange.NewPaperExchange()
	require.NoError(t, paper.Connect(context.Background()))
	engine := New(store, event.NewManager(store, event.DefaultConfig()), paper, Config{Interval: 10 * time.Millisecond})

	var sweeps atomic.Int32
	engine.OnReport(func(Report) { sweeps.Add(1) })

	engine.Start(context.Background())
	engine.Start(context.Background())
	require.Eventually(t, func() bool { return sweeps.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	engine.Stop()

	n := sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sweeps.Load())

	last, ok := engine.LastReport()
	require.True(t, ok)
	assert.Zero(t, last.TotalOrders)
}
