// Package order
package order

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the side/order-type combination sent to the broker.
type Kind string

const (
	KindMarketBuy  Kind = "MARKET_BUY"
	KindMarketSell Kind = "MARKET_SELL"
	KindBuyLimit   Kind = "BUY_LIMIT"
	KindSellLimit  Kind = "SELL_LIMIT"
	KindBuyStop    Kind = "BUY_STOP"
	KindSellStop   Kind = "SELL_STOP"
)

// ParseKind accepts the enumerated kinds case-insensitively. BUY and SELL
// are accepted as market order aliases.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case "BUY":
		return KindMarketBuy, nil
	case "SELL":
		return KindMarketSell, nil
	}
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown order kind %q", s)}
	}
	return k, nil
}

func (k Kind) Valid() bool {
	switch k {
	case KindMarketBuy, KindMarketSell, KindBuyLimit, KindSellLimit, KindBuyStop, KindSellStop:
		return true
	}
	return false
}

// IsBuy reports whether the kind opens a long position.
func (k Kind) IsBuy() bool {
	return k == KindMarketBuy || k == KindBuyLimit || k == KindBuyStop
}

// IsMarket reports whether the kind executes at the current market price.
func (k Kind) IsMarket() bool {
	return k == KindMarketBuy || k == KindMarketSell
}

// SubmissionResult is a snapshot of what the broker answered to the last
// submission attempt.
type SubmissionResult struct {
	ReturnCode     int     `json:"return_code"`
	Ticket         uint64  `json:"ticket"`
	DealID         uint64  `json:"deal_id"`
	ExecutedVolume float64 `json:"executed_volume"`
	ExecutedPrice  float64 `json:"executed_price"`
	Comment        string  `json:"comment"`
	BrokerRef      string  `json:"broker_ref,omitempty"`
	Attempts       int     `json:"attempts"`
}

// Order is the local record of an order sent (or to be sent) to a broker.
type Order struct {
	ID     string
	Ticket uint64

	UserID     string
	StrategyID string
	Symbol     string
	Kind       Kind
	Magic      int64
	Comment    string

	Volume           float64
	FilledVolume     float64
	AverageFillPrice float64
	Price            float64
	StopLoss         float64
	TakeProfit       float64

	Status          Status
	RejectionReason string
	Submission      *SubmissionResult

	CreatedAt  time.Time
	UpdatedAt  time.Time
	OpenedAt   time.Time
	Expiration time.Time
	DeletedAt  time.Time
}

// Deleted reports whether the order was soft deleted.
func (o Order) Deleted() bool {
	return !o.DeletedAt.IsZero()
}

// Validate checks the invariants every stored order must satisfy.
func (o Order) Validate() error {
	if o.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "owner is required"}
	}
	if o.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "symbol is required"}
	}
	if !o.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown order kind %q", o.Kind)}
	}
	if o.Volume <= 0 {
		return &ValidationError{Field: "volume", Reason: "volume must be positive"}
	}
	if o.Price < 0 || o.StopLoss < 0 || o.TakeProfit < 0 {
		return &ValidationError{Field: "price", Reason: "prices must not be negative"}
	}
	if !o.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", o.Status)}
	}
	if o.FilledVolume < 0 || o.FilledVolume > o.Volume+volumeEpsilon {
		return fmt.Errorf("%w: filled volume %.8f exceeds requested volume %.8f", ErrConstraint, o.FilledVolume, o.Volume)
	}
	if o.Ticket == 0 && o.Status.RequiresTicket() {
		return fmt.Errorf("%w: status %s requires a broker ticket", ErrConstraint, o.Status)
	}
	return nil
}

// Patch is a partial update of an order. Nil fields are left unchanged.
// When ExpectedStatus is set the update only applies if the stored status
// still equals it.
type Patch struct {
	ExpectedStatus *Status

	Status           *Status
	Ticket           *uint64
	FilledVolume     *float64
	AverageFillPrice *float64
	Volume           *float64
	Price            *float64
	StopLoss         *float64
	TakeProfit       *float64
	Expiration       *time.Time
	RejectionReason  *string
	Submission       *SubmissionResult
}

// Apply returns o with the patch applied. It does not check ExpectedStatus
// nor validate the result.
func (p Patch) Apply(o Order) Order {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.Ticket != nil {
		o.Ticket = *p.Ticket
	}
	if p.FilledVolume != nil {
		o.FilledVolume = *p.FilledVolume
	}
	if p.AverageFillPrice != nil {
		o.AverageFillPrice = *p.AverageFillPrice
	}
	if p.Volume != nil {
		o.Volume = *p.Volume
	}
	if p.Price != nil {
		o.Price = *p.Price
	}
	if p.StopLoss != nil {
		o.StopLoss = *p.StopLoss
	}
	if p.TakeProfit != nil {
		o.TakeProfit = *p.TakeProfit
	}
	if p.Expiration != nil {
		o.Expiration = *p.Expiration
	}
	if p.RejectionReason != nil {
		o.RejectionReason = *p.RejectionReason
	}
	if p.Submission != nil {
		s := *p.Submission
		o.Submission = &s
	}
	if o.FilledVolume <= 0 {
		o.AverageFillPrice = 0
	}
	return o
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
