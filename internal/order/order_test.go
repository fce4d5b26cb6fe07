package order

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder() Order {
	return Order{
		ID:     "o1",
		UserID: "u1",
		Symbol: "EURUSD",
		Kind:   KindMarketBuy,
		Volume: 1.0,
		Status: StatusDraft,
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "BUY", want: KindMarketBuy},
		{in: "sell", want: KindMarketSell},
		{in: "buy_limit", want: KindBuyLimit},
		{in: " SELL_STOP ", want: KindSellStop},
		{in: "MARKET_BUY", want: KindMarketBuy},
		{in: "OCO", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Order)
		wantErr error
	}{
		{name: "valid draft", mutate: func(o *Order) {}},
		{name: "missing owner", mutate: func(o *Order) { o.UserID = "" }, wantErr: ErrValidation},
		{name: "zero volume", mutate: func(o *Order) { o.Volume = 0 }, wantErr: ErrValidation},
		{name: "bad kind", mutate: func(o *Order) { o.Kind = "OCO" }, wantErr: ErrValidation},
		{name: "negative stop loss", mutate: func(o *Order) { o.StopLoss = -1 }, wantErr: ErrValidation},
		{name: "overfilled", mutate: func(o *Order) {
			o.Status = StatusPartiallyFilled
			o.Ticket = 7
			o.FilledVolume = 1.5
		}, wantErr: ErrConstraint},
		{name: "submitted without ticket", mutate: func(o *Order) { o.Status = StatusSubmitted }, wantErr: ErrConstraint},
		{name: "error without ticket", mutate: func(o *Order) { o.Status = StatusError }},
		{name: "cancelled draft without ticket", mutate: func(o *Order) { o.Status = StatusCancelled }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusDraft:           {StatusPending, StatusCancelled},
		StatusPending:         {StatusSubmitted, StatusRejected, StatusError, StatusCancelled},
		StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
		StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	}
	for from, tos := range allowed {
		for _, to := range tos {
			assert.True(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	for _, terminal := range []Status{StatusFilled, StatusCancelled, StatusRejected, StatusExpired} {
		assert.True(t, terminal.Terminal())
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(terminal, to), "%s is terminal but reaches %s", terminal, to)
		}
	}

	assert.False(t, CanTransition(StatusDraft, StatusSubmitted))
	assert.False(t, CanTransition(StatusSubmitted, StatusDraft))
	assert.False(t, CanTransition(StatusError, StatusPending))

	err := CheckTransition(StatusFilled, StatusCancelled)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusFilled, te.From)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPatchApply(t *testing.T) {
	o := validOrder()
	o.Status = StatusSubmitted
	o.Ticket = 42

	got := Patch{
		Status:           Ptr(StatusPartiallyFilled),
		FilledVolume:     Ptr(0.4),
		AverageFillPrice: Ptr(1.1),
		Submission:       &SubmissionResult{Ticket: 42, Attempts: 1},
	}.Apply(o)

	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.Equal(t, 0.4, got.FilledVolume)
	assert.Equal(t, 1.1, got.AverageFillPrice)
	assert.Equal(t, uint64(42), got.Ticket)
	require.NotNil(t, got.Submission)
	assert.Equal(t, 1, got.Submission.Attempts)

	// average price is meaningless without a fill
	got = Patch{AverageFillPrice: Ptr(1.2)}.Apply(validOrder())
	assert.Zero(t, got.AverageFillPrice)
}

func TestPayloadRoundTrip(t *testing.T) {
	events := []Event{
		{OrderID: "o1", Type: EventCreated, Payload: CreatedPayload{UserID: "u1", Symbol: "EURUSD", Kind: KindMarketBuy, Volume: 1}},
		{OrderID: "o1", Type: EventSubmitted, Payload: SubmittedPayload{Ticket: 12345, Attempts: 2, Source: SourceBroker}},
		{OrderID: "o1", Type: EventPartiallyFilled, Payload: FillPayload{FilledVolume: 0.5, DeltaVolume: 0.5, FillPrice: 1.105, AverageFillPrice: 1.105}},
		{OrderID: "o1", Type: EventModified, Payload: ModifiedPayload{Changes: []FieldChange{{Field: "stop_loss", Old: "0", New: "1.09"}}}},
	}
	for _, ev := range events {
		t.Run(string(ev.Type), func(t *testing.T) {
			require.NoError(t, ev.Validate())
			data, err := EncodePayload(ev.Payload)
			require.NoError(t, err)
			p, err := DecodePayload(ev.Type, data)
			require.NoError(t, err)
			assert.Equal(t, ev.Payload, p)
		})
	}
}

func TestEventValidateRejectsForeignPayload(t *testing.T) {
	ev := Event{OrderID: "o1", Type: EventRejected, Payload: FillPayload{FilledVolume: 1}}
	assert.ErrorIs(t, ev.Validate(), ErrValidation)

	ev = Event{OrderID: "o1", Type: "SETTLED"}
	assert.ErrorIs(t, ev.Validate(), ErrValidation)

	// payload is optional
	ev = Event{OrderID: "o1", Type: EventExpired}
	assert.NoError(t, ev.Validate())
	p, err := DecodePayload(EventExpired, nil)
	require.NoError(t, err)
	assert.Equal(t, ExpiredPayload{}, p)
}

func TestAverageFillPrice(t *testing.T) {
	assert.Equal(t, 1.105, AverageFillPrice(0, 0, 0.5, 1.105))
	assert.Equal(t, 1.2, AverageFillPrice(0.5, 1.2, 0, 1.5))
	assert.InDelta(t, 1.11, AverageFillPrice(0.5, 1.10, 0.5, 1.12), 1e-12)
}

func TestAverageFillPriceIsChunkingIndependent(t *testing.T) {
	type fill struct{ volume, price float64 }
	run := func(fills []fill) (float64, float64) {
		var filled, avg float64
		for _, f := range fills {
			avg = AverageFillPrice(filled, avg, f.volume, f.price)
			filled += f.volume
		}
		return filled, avg
	}

	coarse := []fill{{0.2, 1.10}, {0.3, 1.12}, {0.5, 1.11}}
	fine := []fill{{0.1, 1.10}, {0.1, 1.10}, {0.15, 1.12}, {0.15, 1.12}, {0.25, 1.11}, {0.25, 1.11}}

	coarseFilled, coarseAvg := run(coarse)
	fineFilled, fineAvg := run(fine)

	assert.InDelta(t, coarseFilled, fineFilled, 1e-12)
	assert.InDelta(t, coarseAvg, fineAvg, 1e-9)
	// total notional / total volume
	assert.InDelta(t, (0.2*1.10+0.3*1.12+0.5*1.11)/1.0, coarseAvg, 1e-9)
}

func TestFillPriceFromAverage(t *testing.T) {
	tests := []struct {
		name                         string
		oldFilled, oldAvg, newFilled float64
		newAvg, want                 float64
	}{
		{"first fill", 0, 0, 0.5, 1.10, 1.10},
		{"second fill", 0.5, 1.10, 1.0, 1.15, 1.20},
		{"no new volume", 0.5, 1.10, 0.5, 1.10, 1.10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FillPriceFromAverage(tt.oldFilled, tt.oldAvg, tt.newFilled, tt.newAvg)
			assert.InDelta(t, tt.want, got, 1e-9)
			// folding the recovered price back in gives the broker average
			if tt.newFilled > tt.oldFilled {
				assert.InDelta(t, tt.newAvg, AverageFillPrice(tt.oldFilled, tt.oldAvg, tt.newFilled-tt.oldFilled, got), 1e-9)
			}
		})
	}
}

func TestClampFilled(t *testing.T) {
	assert.Equal(t, 1.0, ClampFilled(1.2, 1.0))
	assert.Equal(t, 0.0, ClampFilled(-0.1, 1.0))
	assert.Equal(t, 0.4, ClampFilled(0.4, 1.0))
}
