// Package exchange
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
)

// Exchange is the interface for all supported brokers.
type Exchange interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// OpenPosition sends an order. A returned error means the outcome is
	// unknown (transport failure); a broker decision is always reported
	// through OpenResult.ReturnCode.
	OpenPosition(ctx context.Context, req OrderRequest) (OpenResult, error)
	CancelOrder(ctx context.Context, ticket uint64) error
	ModifyOrder(ctx context.Context, ticket uint64, req ModifyRequest) error
	GetOrderHistory(ctx context.Context, from, to time.Time) ([]HistoryOrder, error)
}

// Resumer is implemented by brokers that keep per-process bookkeeping of
// the orders they placed and need it rebuilt after a restart.
type Resumer interface {
	Resume(refs map[uint64]string)
}

var (
	ErrNotConnected = errors.New("exchange not connected")
	ErrUnsupported  = errors.New("operation not supported by exchange")
	ErrUnknownOrder = errors.New("unknown broker order")
)

// Return codes reported in OpenResult.ReturnCode. Anything but RetcodeDone
// is a rejection.
const (
	RetcodeDone          = 0
	RetcodeRejected      = 10006
	RetcodeInvalidVolume = 10014
	RetcodeInvalidPrice  = 10015
	RetcodeInvalidStops  = 10016
	RetcodeMarketClosed  = 10018
	RetcodeNoMoney       = 10019
	RetcodeUnsupported   = 10030
)

type OrderRequest struct {
	// ClientID correlates the broker order with the local order id.
	ClientID   string
	Symbol     string
	Kind       order.Kind
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Magic      int64
	Comment    string
	Expiration time.Time
}

type OpenResult struct {
	ReturnCode     int
	Ticket         uint64
	DealID         uint64
	ExecutedVolume float64
	ExecutedPrice  float64
	Comment        string
	// BrokerRef is the broker's own identifier when it differs from Ticket.
	BrokerRef string
}

// Accepted reports whether the broker took the order.
func (r OpenResult) Accepted() bool {
	return r.ReturnCode == RetcodeDone
}

// ModifyRequest carries the new values of a live order. Nil fields are
// left unchanged.
type ModifyRequest struct {
	Price      *float64
	StopLoss   *float64
	TakeProfit *float64
	Volume     *float64
	Expiration *time.Time
}

// BrokerState is the broker-side order state.
type BrokerState string

const (
	StateStarted       BrokerState = "STARTED"
	StatePlaced        BrokerState = "PLACED"
	StatePartial       BrokerState = "PARTIAL"
	StateFilled        BrokerState = "FILLED"
	StateCanceled      BrokerState = "CANCELED"
	StateRejected      BrokerState = "REJECTED"
	StateExpired       BrokerState = "EXPIRED"
	StateRequestAdd    BrokerState = "REQUEST_ADD"
	StateRequestModify BrokerState = "REQUEST_MODIFY"
	StateRequestCancel BrokerState = "REQUEST_CANCEL"
)

var stateToStatus = map[BrokerState]order.Status{
	StateStarted:       order.StatusSubmitted,
	StatePlaced:        order.StatusSubmitted,
	StateRequestAdd:    order.StatusSubmitted,
	StateRequestModify: order.StatusSubmitted,
	StateRequestCancel: order.StatusSubmitted,
	StatePartial:       order.StatusPartiallyFilled,
	StateFilled:        order.StatusFilled,
	StateCanceled:      order.StatusCancelled,
	StateRejected:      order.StatusRejected,
	StateExpired:       order.StatusExpired,
}

// ToStatus maps a broker state to the local status enum.
func (s BrokerState) ToStatus() (order.Status, bool) {
	st, ok := stateToStatus[s]
	return st, ok
}

// HistoryOrder is one order from the broker's order history.
type HistoryOrder struct {
	Ticket   uint64
	ClientID string
	Symbol   string
	State    BrokerState
	Volume   float64
	// VolumeCurrent is the volume executed so far.
	VolumeCurrent float64
	PriceOpen     float64
	// PriceFill is the average execution price, 0 when unknown.
	PriceFill float64
	Magic     int64
	Comment   string
	TimeSetup time.Time
	TimeDone  time.Time
}

// Status maps the entry to the local status. A live state with executed
// volume is PARTIALLY_FILLED: a pending modify or cancel does not undo
// fills.
func (h HistoryOrder) Status() (order.Status, bool) {
	st, ok := h.State.ToStatus()
	if ok && st == order.StatusSubmitted && h.VolumeCurrent > 0 {
		st = order.StatusPartiallyFilled
	}
	return st, ok
}

// FillPrice is the best known average execution price.
func (h HistoryOrder) FillPrice() float64 {
	if h.PriceFill > 0 {
		return h.PriceFill
	}
	return h.PriceOpen
}

// History indexes a broker history by ticket and by client id.
type History struct {
	byTicket map[uint64]HistoryOrder
	byClient map[string]HistoryOrder
}

func NewHistory(orders []HistoryOrder) History {
	h := History{
		byTicket: make(map[uint64]HistoryOrder, len(orders)),
		byClient: make(map[string]HistoryOrder, len(orders)),
	}
	for _, o := range orders {
		if o.Ticket != 0 {
			h.byTicket[o.Ticket] = o
		}
		if o.ClientID != "" {
			h.byClient[o.ClientID] = o
		}
	}
	return h
}

func (h History) ByTicket(ticket uint64) (HistoryOrder, bool) {
	o, ok := h.byTicket[ticket]
	return o, ok
}

func (h History) ByClientID(id string) (HistoryOrder, bool) {
	o, ok := h.byClient[id]
	return o, ok
}

func (h History) Len() int {
	return len(h.byTicket)
}
