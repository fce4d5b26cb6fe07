package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/simple-oms/internal/config"
	"github.com/amirphl/simple-oms/internal/db"
	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/manager"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/reconcile"
	"github.com/amirphl/simple-oms/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	utils.SetOutput(io.Discard)
}

type recordingSink struct {
	mu     sync.Mutex
	events []order.Event
	closed bool
}

func (s *recordingSink) Handle(ctx context.Context, e order.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) types() []order.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// resumingPaper is a paper broker that records Resume calls.
type resumingPaper struct {
	*exchange.PaperExchange
	resumed map[uint64]string
}

func (r *resumingPaper) Resume(refs map[uint64]string) {
	r.resumed = refs
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SubmitRetryDelay = time.Millisecond
	cfg.PollInterval = time.Hour
	cfg.ReconcileInterval = time.Hour
	return cfg
}

func TestServiceLifecycle(t *testing.T) {
	store := db.NewMemory()
	paper := exchange.NewPaperExchange()
	paper.SetPrice("EURUSD", 1.2)
	sink := &recordingSink{}
	dbClosed := false

	svc, err := Build(testConfig(), Components{
		Store:      store,
		Broker:     paper,
		Sink:       sink,
		CloseStore: func() error { dbClosed = true; return nil },
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))
	assert.True(t, paper.IsConnected())

	o, err := svc.Manager.CreateOrder(context.Background(), manager.CreateParams{
		UserID: "u1", Symbol: "EURUSD", Kind: order.KindMarketBuy, Volume: 1,
	})
	require.NoError(t, err)
	filled, err := svc.Manager.SubmitOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, filled.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	assert.Equal(t, []order.EventType{order.EventCreated, order.EventSubmitted, order.EventFilled}, sink.types())
	assert.True(t, sink.closed)
	assert.False(t, paper.IsConnected())
	assert.True(t, dbClosed)
	assert.Zero(t, svc.Events.Stats().HandlerFailures)
}

func TestServiceResumesBrokerOrders(t *testing.T) {
	store := db.NewMemory()
	_, err := store.CreateOrder(context.Background(), order.Order{
		UserID: "u1", Symbol: "BTCUSDT", Kind: order.KindBuyLimit, Volume: 1, Price: 100,
		Status: order.StatusSubmitted, Ticket: 10,
		Submission: &order.SubmissionResult{Ticket: 10, BrokerRef: "ref-10"},
	})
	require.NoError(t, err)
	_, err = store.CreateOrder(context.Background(), order.Order{
		UserID: "u1", Symbol: "BTCUSDT", Kind: order.KindBuyLimit, Volume: 1, Price: 100,
		Status: order.StatusSubmitted, Ticket: 11,
	})
	require.NoError(t, err)

	broker := &resumingPaper{PaperExchange: exchange.NewPaperExchange()}
	svc, err := Build(testConfig(), Components{Store: store, Broker: broker})
	require.NoError(t, err)

	require.NoError(t, svc.Connect(context.Background()))
	assert.Equal(t, map[uint64]string{10: "ref-10"}, broker.resumed)
}

func TestServiceReconcileOnce(t *testing.T) {
	store := db.NewMemory()
	o, err := store.CreateOrder(context.Background(), order.Order{
		UserID: "u1", Symbol: "EURUSD", Kind: order.KindBuyLimit, Volume: 1, Price: 1.1,
		Status: order.StatusSubmitted, Ticket: 999,
	})
	require.NoError(t, err)

	svc, err := Build(testConfig(), Components{Store: store, Broker: exchange.NewPaperExchange()})
	require.NoError(t, err)

	report, err := svc.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Missing(), 1)
	assert.Equal(t, o.ID, report.Missing()[0].OrderID)
	assert.Equal(t, reconcile.KindMissing, report.Discrepancies[0].Kind)
}

func TestBuildRequiresStoreAndBroker(t *testing.T) {
	_, err := Build(testConfig(), Components{Store: db.NewMemory()})
	assert.Error(t, err)
}
