package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
)

var ErrPaperTransport = errors.New("paper exchange: simulated transport failure")

type paperReject struct {
	code    int
	comment string
}

// PaperExchange is an in-process venue. Market orders fill immediately at
// the configured price, pending orders rest until Fill, SetState or
// CancelOrder changes them. Failures and rejections can be scripted.
type PaperExchange struct {
	mu         sync.Mutex
	connected  bool
	nextTicket uint64
	orders     map[uint64]*HistoryOrder
	prices     map[string]float64

	failures []error
	rejects  []paperReject

	openCalls    int
	cancelCalls  int
	modifyCalls  int
	historyCalls int

	now func() time.Time
}

func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		nextTicket: 1000, // Start from 1000 for paper tickets
		orders:     make(map[uint64]*HistoryOrder),
		prices:     make(map[string]float64),
		now:        time.Now,
	}
}

func (p *PaperExchange) Name() string {
	return "paper"
}

// WithClock replaces time.Now for setup and done times.
func (p *PaperExchange) WithClock(now func() time.Time) *PaperExchange {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	return p
}

func (p *PaperExchange) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *PaperExchange) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *PaperExchange) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetPrice sets the price market orders on symbol fill at.
func (p *PaperExchange) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// FailNext makes the next n calls to OpenPosition fail with a transport
// error.
func (p *PaperExchange) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.failures = append(p.failures, ErrPaperTransport)
	}
}

// RejectNext makes the next OpenPosition call return a rejection.
func (p *PaperExchange) RejectNext(code int, comment string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects = append(p.rejects, paperReject{code: code, comment: comment})
}

func (p *PaperExchange) OpenPosition(ctx context.Context, req OrderRequest) (OpenResult, error) {
	select {
	case <-ctx.Done():
		return OpenResult{}, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.openCalls++

	if !p.connected {
		return OpenResult{}, ErrNotConnected
	}
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return OpenResult{}, err
	}
	if len(p.rejects) > 0 {
		r := p.rejects[0]
		p.rejects = p.rejects[1:]
		return OpenResult{ReturnCode: r.code, Comment: r.comment}, nil
	}
	if req.Volume <= 0 {
		return OpenResult{ReturnCode: RetcodeInvalidVolume, Comment: "invalid volume"}, nil
	}
	if !req.Kind.IsMarket() && req.Price <= 0 {
		return OpenResult{ReturnCode: RetcodeInvalidPrice, Comment: "pending order without price"}, nil
	}

	p.nextTicket++
	ticket := p.nextTicket
	now := p.now().UTC()
	h := &HistoryOrder{
		Ticket:    ticket,
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		State:     StatePlaced,
		Volume:    req.Volume,
		PriceOpen: req.Price,
		Magic:     req.Magic,
		Comment:   req.Comment,
		TimeSetup: now,
	}
	res := OpenResult{ReturnCode: RetcodeDone, Ticket: ticket, Comment: "placed"}

	if req.Kind.IsMarket() {
		price := req.Price
		if px, ok := p.prices[req.Symbol]; ok {
			price = px
		}
		if price <= 0 {
			price = 1
		}
		h.State = StateFilled
		h.VolumeCurrent = req.Volume
		h.PriceFill = price
		h.TimeDone = now
		res.DealID = ticket
		res.ExecutedVolume = req.Volume
		res.ExecutedPrice = price
		res.Comment = "filled"
	}
	p.orders[ticket] = h

	utils.GetLogger().Printf("Exchange | paper order %d %s %s %.8f @ %.8f: %s",
		ticket, req.Symbol, req.Kind, req.Volume, req.Price, res.Comment)
	return res, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, ticket uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelCalls++
	if !p.connected {
		return ErrNotConnected
	}
	h, ok := p.orders[ticket]
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrUnknownOrder)
	}
	if h.State.terminal() {
		return fmt.Errorf("paper exchange: ticket %d is already %s", ticket, h.State)
	}
	h.State = StateCanceled
	h.TimeDone = p.now().UTC()
	return nil
}

func (p *PaperExchange) ModifyOrder(ctx context.Context, ticket uint64, req ModifyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modifyCalls++
	if !p.connected {
		return ErrNotConnected
	}
	h, ok := p.orders[ticket]
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrUnknownOrder)
	}
	if h.State.terminal() {
		return fmt.Errorf("paper exchange: ticket %d is already %s", ticket, h.State)
	}
	if req.Price != nil {
		h.PriceOpen = *req.Price
	}
	if req.Volume != nil {
		if *req.Volume < h.VolumeCurrent {
			return fmt.Errorf("paper exchange: volume %.8f below executed %.8f", *req.Volume, h.VolumeCurrent)
		}
		h.Volume = *req.Volume
	}
	return nil
}

func (p *PaperExchange) GetOrderHistory(ctx context.Context, from, to time.Time) ([]HistoryOrder, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyCalls++
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]HistoryOrder, 0, len(p.orders))
	for _, h := range p.orders {
		if h.TimeSetup.Before(from) || h.TimeSetup.After(to) {
			continue
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// Fill executes volume more of a resting order at price.
func (p *PaperExchange) Fill(ticket uint64, volume, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.orders[ticket]
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrUnknownOrder)
	}
	if h.State.terminal() {
		return fmt.Errorf("paper exchange: ticket %d is already %s", ticket, h.State)
	}
	volume = order.ClampFilled(h.VolumeCurrent+volume, h.Volume) - h.VolumeCurrent
	h.PriceFill = order.AverageFillPrice(h.VolumeCurrent, h.PriceFill, volume, price)
	h.VolumeCurrent += volume
	h.State = StatePartial
	if order.SameVolume(h.VolumeCurrent, h.Volume) {
		h.State = StateFilled
		h.TimeDone = p.now().UTC()
	}
	return nil
}

// SetState overwrites a broker order. It can inject orders the local
// side never saw when h.Ticket is new.
func (p *PaperExchange) SetState(h HistoryOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.TimeSetup.IsZero() {
		if cur, ok := p.orders[h.Ticket]; ok {
			h.TimeSetup = cur.TimeSetup
		} else {
			h.TimeSetup = p.now().UTC()
		}
	}
	p.orders[h.Ticket] = &h
}

// Forget removes a ticket from the broker history.
func (p *PaperExchange) Forget(ticket uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, ticket)
}

// Order returns the broker view of ticket.
func (p *PaperExchange) Order(ticket uint64) (HistoryOrder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.orders[ticket]
	if !ok {
		return HistoryOrder{}, false
	}
	return *h, true
}

// PaperCalls counts calls per operation.
type PaperCalls struct {
	Open, Cancel, Modify, History int
}

func (p *PaperExchange) Calls() PaperCalls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PaperCalls{Open: p.openCalls, Cancel: p.cancelCalls, Modify: p.modifyCalls, History: p.historyCalls}
}

var _ Exchange = (*PaperExchange)(nil)
