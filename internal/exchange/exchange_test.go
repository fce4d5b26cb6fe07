package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerStateToStatus(t *testing.T) {
	tests := []struct {
		state BrokerState
		want  order.Status
	}{
		{StateStarted, order.StatusSubmitted},
		{StatePlaced, order.StatusSubmitted},
		{StateRequestAdd, order.StatusSubmitted},
		{StateRequestModify, order.StatusSubmitted},
		{StateRequestCancel, order.StatusSubmitted},
		{StatePartial, order.StatusPartiallyFilled},
		{StateFilled, order.StatusFilled},
		{StateCanceled, order.StatusCancelled},
		{StateRejected, order.StatusRejected},
		{StateExpired, order.StatusExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got, ok := tt.state.ToStatus()
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := BrokerState("BOGUS").ToStatus()
	assert.False(t, ok)
}

func TestHistoryFillPriceAndIndex(t *testing.T) {
	assert.Equal(t, 1.2, HistoryOrder{PriceOpen: 1.1, PriceFill: 1.2}.FillPrice())
	assert.Equal(t, 1.1, HistoryOrder{PriceOpen: 1.1}.FillPrice())

	h := NewHistory([]HistoryOrder{
		{Ticket: 1, ClientID: "a"},
		{Ticket: 2},
	})
	assert.Equal(t, 2, h.Len())
	got, ok := h.ByTicket(2)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Ticket)
	got, ok = h.ByClientID("a")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Ticket)
	_, ok = h.ByTicket(3)
	assert.False(t, ok)
}

func TestTicketForIsStable(t *testing.T) {
	a := TicketFor("abc-123")
	assert.Equal(t, a, TicketFor("abc-123"))
	assert.NotEqual(t, a, TicketFor("abc-124"))
	assert.NotZero(t, TicketFor(""))
}

func TestSymbolNormalization(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc-usdt"))
	assert.Equal(t, "BTC-USDT", denormalizeSymbol("BTCUSDT"))
	assert.Equal(t, "BTC-TMN", denormalizeSymbol("BTCTMN"))
	assert.Equal(t, "ETH-BTC", denormalizeSymbol("ETHBTC"))
}

func TestWallexOrderType(t *testing.T) {
	tests := []struct {
		name     string
		req      OrderRequest
		wantType string
		wantSide string
		wantCode int
	}{
		{"market buy", OrderRequest{Kind: order.KindMarketBuy, Volume: 1}, "MARKET", "BUY", RetcodeDone},
		{"limit sell", OrderRequest{Kind: order.KindSellLimit, Volume: 1, Price: 10}, "LIMIT", "SELL", RetcodeDone},
		{"limit without price", OrderRequest{Kind: order.KindBuyLimit, Volume: 1}, "", "", RetcodeInvalidPrice},
		{"stop", OrderRequest{Kind: order.KindBuyStop, Volume: 1, Price: 10}, "", "", RetcodeUnsupported},
		{"zero volume", OrderRequest{Kind: order.KindMarketSell}, "", "", RetcodeInvalidVolume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, side, reject := wallexOrderType(tt.req)
			if tt.wantCode == RetcodeDone {
				assert.Nil(t, reject)
				assert.Equal(t, tt.wantType, typ)
				assert.Equal(t, tt.wantSide, side)
				return
			}
			require.NotNil(t, reject)
			assert.Equal(t, tt.wantCode, reject.ReturnCode)
			assert.False(t, reject.Accepted())
		})
	}
}

func TestWallexState(t *testing.T) {
	assert.Equal(t, StatePlaced, wallexState("new"))
	assert.Equal(t, StatePartial, wallexState("PARTIALLY_FILLED"))
	assert.Equal(t, StateFilled, wallexState("FILLED"))
	assert.Equal(t, StateCanceled, wallexState("CANCELLED"))
	assert.Equal(t, StateStarted, wallexState("something"))
}

func TestWallexRequiresConnection(t *testing.T) {
	w := NewWallexExchange("key")
	assert.False(t, w.IsConnected())

	_, err := w.OpenPosition(context.Background(), OrderRequest{Kind: order.KindMarketBuy, Volume: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, w.CancelOrder(context.Background(), 1), ErrNotConnected)
	assert.ErrorIs(t, w.ModifyOrder(context.Background(), 1, ModifyRequest{}), ErrUnsupported)

	w.Resume(map[uint64]string{7: "ref-7"})
	e, ok := w.lookup(7)
	require.True(t, ok)
	assert.Equal(t, "ref-7", e.ref)
}

func TestPaperMarketOrderFillsImmediately(t *testing.T) {
	p := NewPaperExchange()
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	p.SetPrice("EURUSD", 1.105)

	res, err := p.OpenPosition(ctx, OrderRequest{ClientID: "o1", Symbol: "EURUSD", Kind: order.KindMarketBuy, Volume: 1})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, uint64(1001), res.Ticket)
	assert.Equal(t, 1.0, res.ExecutedVolume)
	assert.Equal(t, 1.105, res.ExecutedPrice)

	h, ok := p.Order(res.Ticket)
	require.True(t, ok)
	assert.Equal(t, StateFilled, h.State)
	assert.Equal(t, "o1", h.ClientID)

	assert.Error(t, p.CancelOrder(ctx, res.Ticket))
}

func TestPaperPendingOrderLifecycle(t *testing.T) {
	p := NewPaperExchange()
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	res, err := p.OpenPosition(ctx, OrderRequest{Symbol: "EURUSD", Kind: order.KindBuyLimit, Volume: 1, Price: 1.1})
	require.NoError(t, err)

	require.NoError(t, p.Fill(res.Ticket, 0.25, 1.1))
	require.NoError(t, p.Fill(res.Ticket, 0.25, 1.2))
	h, _ := p.Order(res.Ticket)
	assert.Equal(t, StatePartial, h.State)
	assert.Equal(t, 0.5, h.VolumeCurrent)
	assert.InDelta(t, 1.15, h.PriceFill, 1e-9)

	require.NoError(t, p.ModifyOrder(ctx, res.Ticket, ModifyRequest{Price: order.Ptr(1.09)}))
	assert.Error(t, p.ModifyOrder(ctx, res.Ticket, ModifyRequest{Volume: order.Ptr(0.1)}))

	require.NoError(t, p.Fill(res.Ticket, 5, 1.2))
	h, _ = p.Order(res.Ticket)
	assert.Equal(t, StateFilled, h.State)
	assert.Equal(t, 1.0, h.VolumeCurrent)
}

func TestPaperScriptedOutcomes(t *testing.T) {
	p := NewPaperExchange()
	ctx := context.Background()

	_, err := p.OpenPosition(ctx, OrderRequest{Kind: order.KindMarketBuy, Volume: 1})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, p.Connect(ctx))
	p.FailNext(2)
	p.RejectNext(RetcodeNoMoney, "Insufficient margin")

	for i := 0; i < 2; i++ {
		_, err = p.OpenPosition(ctx, OrderRequest{Kind: order.KindMarketBuy, Volume: 1})
		assert.ErrorIs(t, err, ErrPaperTransport)
	}
	res, err := p.OpenPosition(ctx, OrderRequest{Kind: order.KindMarketBuy, Volume: 1})
	require.NoError(t, err)
	assert.Equal(t, RetcodeNoMoney, res.ReturnCode)
	assert.Equal(t, "Insufficient margin", res.Comment)

	assert.Equal(t, 4, p.Calls().Open)
}

func TestPaperHistoryWindow(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	p := NewPaperExchange().WithClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	res, err := p.OpenPosition(ctx, OrderRequest{Symbol: "EURUSD", Kind: order.KindSellStop, Volume: 1, Price: 1})
	require.NoError(t, err)
	p.SetState(HistoryOrder{Ticket: 42, State: StatePlaced, Volume: 1, TimeSetup: now.Add(-30 * 24 * time.Hour)})

	got, err := p.GetOrderHistory(ctx, now.Add(-7*24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.Ticket, got[0].Ticket)

	p.Forget(res.Ticket)
	got, err = p.GetOrderHistory(ctx, now.Add(-7*24*time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, got)
}
