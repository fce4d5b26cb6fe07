package exchange

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/utils"
	wallex "github.com/wallexchange/wallex-go"
)

type wallexEntry struct {
	ref       string
	clientID  string
	symbol    string
	magic     int64
	comment   string
	timeSetup time.Time
}

// WallexExchange adapts the Wallex REST client. Wallex identifies orders
// by string ids, so tickets are derived from them and the mapping is kept
// in process; Resume rebuilds it after a restart.
type WallexExchange struct {
	client *wallex.Client

	mu        sync.RWMutex
	connected bool
	orders    map[uint64]wallexEntry

	retryAttempts int
	retryDelay    time.Duration
}

func NewWallexExchange(apiKey string) *WallexExchange {
	return &WallexExchange{
		client:        wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		orders:        make(map[uint64]wallexEntry),
		retryAttempts: 3,
		retryDelay:    2 * time.Second,
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

// retry wraps a read-only call with retry logic for transient errors, using exponential backoff.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		utils.GetLogger().Printf("Exchange | %s Retry attempt %d/%d failed: %v. Backing off for %v", "Wallex", i, attempts, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		// Exponential backoff, but cap at 1 minute
		if backoff < time.Minute {
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
		}
	}
	return fmt.Errorf("all retry attempts failed: %w", err)
}

// Connect verifies the API key with a balances call.
func (w *WallexExchange) Connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	err := retry(ctx, w.retryAttempts, w.retryDelay, func() error {
		_, err := w.client.Balances()
		return err
	})
	if err != nil {
		return fmt.Errorf("connecting to wallex: %w", err)
	}
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	utils.GetLogger().Printf("Exchange | %s connected", w.Name())
	return nil
}

func (w *WallexExchange) Disconnect() error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	return nil
}

func (w *WallexExchange) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Resume registers orders placed by an earlier process.
func (w *WallexExchange) Resume(refs map[uint64]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ticket, ref := range refs {
		if _, ok := w.orders[ticket]; !ok && ref != "" {
			w.orders[ticket] = wallexEntry{ref: ref}
		}
	}
}

func (w *WallexExchange) OpenPosition(ctx context.Context, req OrderRequest) (OpenResult, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s OpenPosition timeout", w.Name())
		return OpenResult{}, ctx.Err()
	default:
	}
	if !w.IsConnected() {
		return OpenResult{}, ErrNotConnected
	}

	orderType, side, reject := wallexOrderType(req)
	if reject != nil {
		return *reject, nil
	}

	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(req.Symbol),
		Type:     orderType,
		Side:     side,
		Quantity: wallex.Number(formatNumber(req.Volume)),
	}
	if req.Price > 0 {
		params.Price = wallex.Number(formatNumber(req.Price))
	}

	// not retried here: a failed placement may still have reached the broker
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return OpenResult{}, fmt.Errorf("placing order on wallex: %w", err)
	}

	ticket := TicketFor(resp.ClientOrderID)
	w.mu.Lock()
	w.orders[ticket] = wallexEntry{
		ref:       resp.ClientOrderID,
		clientID:  req.ClientID,
		symbol:    req.Symbol,
		magic:     req.Magic,
		comment:   req.Comment,
		timeSetup: resp.CreatedAt.UTC(),
	}
	w.mu.Unlock()

	utils.GetLogger().Printf("Exchange | %s order placed: client=%s ref=%s ticket=%d status=%s",
		w.Name(), req.ClientID, resp.ClientOrderID, ticket, resp.Status)

	return OpenResult{
		ReturnCode:     RetcodeDone,
		Ticket:         ticket,
		ExecutedVolume: parseNumber(resp.ExecutedQty),
		ExecutedPrice:  parseNumber(resp.ExecutedPrice),
		Comment:        strings.ToUpper(resp.Status),
		BrokerRef:      resp.ClientOrderID,
	}, nil
}

func (w *WallexExchange) CancelOrder(ctx context.Context, ticket uint64) error {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s CancelOrder timeout", w.Name())
		return ctx.Err()
	default:
	}
	if !w.IsConnected() {
		return ErrNotConnected
	}
	entry, ok := w.lookup(ticket)
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrUnknownOrder)
	}
	return w.client.CancelOrder(entry.ref)
}

// ModifyOrder is not offered by the Wallex API.
func (w *WallexExchange) ModifyOrder(ctx context.Context, ticket uint64, req ModifyRequest) error {
	return fmt.Errorf("wallex modify ticket %d: %w", ticket, ErrUnsupported)
}

// GetOrderHistory queries every order this process knows about whose
// setup time falls in [from, to]. Resumed orders have no known setup time
// and are always queried.
func (w *WallexExchange) GetOrderHistory(ctx context.Context, from, to time.Time) ([]HistoryOrder, error) {
	if !w.IsConnected() {
		return nil, ErrNotConnected
	}

	w.mu.RLock()
	entries := make(map[uint64]wallexEntry, len(w.orders))
	for ticket, e := range w.orders {
		if !e.timeSetup.IsZero() && (e.timeSetup.Before(from) || e.timeSetup.After(to)) {
			continue
		}
		entries[ticket] = e
	}
	w.mu.RUnlock()

	history := make([]HistoryOrder, 0, len(entries))
	for ticket, e := range entries {
		select {
		case <-ctx.Done():
			utils.GetLogger().Printf("Exchange | %s GetOrderHistory timeout", w.Name())
			return nil, ctx.Err()
		default:
		}

		var h HistoryOrder
		err := retry(ctx, w.retryAttempts, w.retryDelay, func() error {
			resp, err := w.client.Order(e.ref)
			if err != nil {
				return err
			}
			h = HistoryOrder{
				Ticket:        ticket,
				ClientID:      e.clientID,
				Symbol:        denormalizeSymbol(resp.Symbol),
				State:         wallexState(resp.Status),
				Volume:        parseNumber(&resp.OrigQty),
				VolumeCurrent: parseNumber(resp.ExecutedQty),
				PriceOpen:     parseNumber(&resp.Price),
				PriceFill:     parseNumber(resp.ExecutedPrice),
				Magic:         e.magic,
				Comment:       e.comment,
				TimeSetup:     resp.CreatedAt.UTC(),
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("fetching wallex order %s: %w", e.ref, err)
		}
		if e.symbol != "" {
			h.Symbol = e.symbol
		}
		if h.State.terminal() {
			h.TimeDone = time.Now().UTC()
		}
		history = append(history, h)
	}
	return history, nil
}

func (w *WallexExchange) lookup(ticket uint64) (wallexEntry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.orders[ticket]
	return e, ok
}

func wallexOrderType(req OrderRequest) (string, string, *OpenResult) {
	side := "SELL"
	if req.Kind.IsBuy() {
		side = "BUY"
	}
	if req.Volume <= 0 {
		return "", "", &OpenResult{ReturnCode: RetcodeInvalidVolume, Comment: "invalid volume"}
	}
	switch req.Kind {
	case order.KindMarketBuy, order.KindMarketSell:
		return "MARKET", side, nil
	case order.KindBuyLimit, order.KindSellLimit:
		if req.Price <= 0 {
			return "", "", &OpenResult{ReturnCode: RetcodeInvalidPrice, Comment: "limit order without price"}
		}
		return "LIMIT", side, nil
	default:
		return "", "", &OpenResult{ReturnCode: RetcodeUnsupported, Comment: fmt.Sprintf("%s orders are not supported by wallex", req.Kind)}
	}
}

func wallexState(status string) BrokerState {
	switch strings.ToUpper(status) {
	case "NEW", "OPEN", "ACTIVE":
		return StatePlaced
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatePartial
	case "FILLED", "DONE":
		return StateFilled
	case "CANCELED", "CANCELLED":
		return StateCanceled
	case "REJECTED":
		return StateRejected
	case "EXPIRED":
		return StateExpired
	default:
		return StateStarted
	}
}

func (s BrokerState) terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired:
		return true
	}
	return false
}

// TicketFor derives a numeric ticket from a broker order reference.
func TicketFor(ref string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ref))
	if t := h.Sum64(); t != 0 {
		return t
	}
	return 1
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

func denormalizeSymbol(symbol string) string {
	switch {
	case strings.HasSuffix(symbol, "USDT"):
		return strings.TrimSuffix(symbol, "USDT") + "-USDT"
	case strings.HasSuffix(symbol, "TMN"):
		return strings.TrimSuffix(symbol, "TMN") + "-TMN"
	case len(symbol) > 3:
		// replace last three characters with hyphen
		return symbol[:len(symbol)-3] + "-" + symbol[len(symbol)-3:]
	default:
		return symbol
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

// Helper to safely dereference *wallex.Number
func parseNumber(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, err := strconv.ParseFloat(string(*n), 64)
	if err != nil {
		return 0
	}
	return out
}

var _ Exchange = (*WallexExchange)(nil)
var _ Resumer = (*WallexExchange)(nil)
