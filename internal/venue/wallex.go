package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"
	"go.uber.org/zap"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/ledger"
)

// Market maps a Wallex symbol onto a pair of ledger assets.
type Market struct {
	Symbol        string   `yaml:"symbol"` // e.g. "BTCUSDT"
	Base          asset.ID `yaml:"base"`
	Quote         asset.ID `yaml:"quote"`
	BaseDecimals  int32    `yaml:"base_decimals"`
	QuoteDecimals int32    `yaml:"quote_decimals"`
}

// orderStatus is the part of a Wallex order the venue needs.
type orderStatus struct {
	ClientOrderID string
	Status        string
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
}

type orderClient interface {
	PlaceOrder(params *wallex.OrderParams) (orderStatus, error)
	Order(clientOrderID string) (orderStatus, error)
}

// wallexClient adapts *wallex.Client to orderClient.
type wallexClient struct {
	client *wallex.Client
}

func (c wallexClient) PlaceOrder(params *wallex.OrderParams) (orderStatus, error) {
	resp, err := c.client.PlaceOrder(params)
	if err != nil {
		return orderStatus{}, err
	}
	return orderStatus{
		ClientOrderID: resp.ClientOrderID,
		Status:        strings.ToUpper(resp.Status),
		ExecutedQty:   numberPtr(resp.ExecutedQty),
		ExecutedPrice: numberPtr(resp.ExecutedPrice),
	}, nil
}

func (c wallexClient) Order(clientOrderID string) (orderStatus, error) {
	resp, err := c.client.Order(clientOrderID)
	if err != nil {
		return orderStatus{}, err
	}
	return orderStatus{
		ClientOrderID: resp.ClientOrderID,
		Status:        strings.ToUpper(resp.Status),
		ExecutedQty:   numberPtr(resp.ExecutedQty),
		ExecutedPrice: numberPtr(resp.ExecutedPrice),
	}, nil
}

// Helper to safely dereference *wallex.Number
func numberPtr(n *wallex.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	out, err := decimal.NewFromString(string(*n))
	if err != nil {
		return decimal.Zero
	}
	return out
}

// Wallex fills swaps with LIMIT orders on the Wallex exchange. The limit price
// is the order's rate floor, so an order never fills below its minimum. The
// venue's ledger account mirrors the exchange wallet: input is attached to it
// and proceeds are paid out of it.
type Wallex struct {
	client   orderClient
	address  ledger.Address
	ledger   ledger.Transferer
	markets  []Market
	log      *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

var _ Venue = (*Wallex)(nil)

func NewWallex(apiKey string, address ledger.Address, l ledger.Transferer, markets []Market, pollInterval time.Duration, log *zap.Logger) *Wallex {
	return newWallex(wallexClient{client: wallex.New(wallex.ClientOptions{APIKey: apiKey})}, address, l, markets, pollInterval, log)
}

func newWallex(client orderClient, address ledger.Address, l ledger.Transferer, markets []Market, pollInterval time.Duration, log *zap.Logger) *Wallex {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Wallex{
		client:   client,
		address:  address,
		ledger:   l,
		markets:  markets,
		log:      log.Named("venue").With(zap.String("venue", "wallex")),
		interval: pollInterval,
		stop:     make(chan struct{}),
	}
}

func (w *Wallex) Name() string { return "wallex" }

func (w *Wallex) Address() ledger.Address { return w.address }

// Wait blocks until every poller has returned.
func (w *Wallex) Wait() { w.wg.Wait() }

// Run blocks until ctx is done, then stops the pollers and waits for them.
// A stopped poller delivers no result: its swap stays pending and is picked
// up by recovery on the next start.
func (w *Wallex) Run(ctx context.Context) error {
	<-ctx.Done()
	w.Stop()
	w.Wait()
	return nil
}

// Stop makes the pollers return and refuses new swaps.
func (w *Wallex) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stop)
	}
}

// limitOrder describes how a swap maps onto an exchange order.
type limitOrder struct {
	market   Market
	side     string
	price    decimal.Decimal
	quantity decimal.Decimal
}

func (w *Wallex) plan(req SwapRequest) (limitOrder, error) {
	for _, m := range w.markets {
		switch {
		case req.AssetIn == m.Base && req.AssetOut == m.Quote:
			// sell base for at least MinAmountOut of quote
			qty := asset.ToUnits(req.AmountIn, m.BaseDecimals)
			minOut := asset.ToUnits(req.MinAmountOut, m.QuoteDecimals)
			return limitOrder{
				market:   m,
				side:     "SELL",
				price:    minOut.DivRound(qty, 8).RoundCeil(8),
				quantity: qty,
			}, nil
		case req.AssetIn == m.Quote && req.AssetOut == m.Base:
			// buy at least MinAmountOut of base spending at most AmountIn of quote
			spend := asset.ToUnits(req.AmountIn, m.QuoteDecimals)
			qty := asset.ToUnits(req.MinAmountOut, m.BaseDecimals)
			return limitOrder{
				market:   m,
				side:     "BUY",
				price:    spend.DivRound(qty, 8).RoundFloor(8),
				quantity: qty,
			}, nil
		}
	}
	return limitOrder{}, Error.New("no market for %s/%s", req.AssetIn, req.AssetOut)
}

func (w *Wallex) SwapFixedInput(ctx context.Context, req SwapRequest, cb Callback) error {
	lo, err := w.plan(req)
	if err == nil && !lo.price.IsPositive() {
		err = Error.New("limit price rounds to zero")
	}
	if err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-w.stop:
			err = Error.New("venue is stopped")
		default:
		}
	}

	var placed orderStatus
	if err == nil {
		placed, err = w.client.PlaceOrder(&wallex.OrderParams{
			Symbol:   lo.market.Symbol,
			Type:     "LIMIT",
			Side:     lo.side,
			Price:    wallex.Number(lo.price.StringFixed(8)),
			Quantity: wallex.Number(lo.quantity.String()),
		})
	}
	if err != nil {
		w.log.Error("order placement failed", zap.String("request_id", req.RequestID), zap.Error(err))
		if terr := w.ledger.Transfer(ctx, w.address, req.ReplyTo, req.AssetIn, req.AmountIn); terr != nil {
			return Error.New("placing order: %v; returning input: %v", err, terr)
		}
		return Error.Wrap(err)
	}

	w.log.Info("order placed",
		zap.String("request_id", req.RequestID),
		zap.String("client_order_id", placed.ClientOrderID),
		zap.String("symbol", lo.market.Symbol),
		zap.String("side", lo.side),
		zap.Stringer("price", lo.price),
		zap.Stringer("quantity", lo.quantity))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.log.Warn("venue stopped after placing order, leaving swap pending",
			zap.String("request_id", req.RequestID), zap.String("client_order_id", placed.ClientOrderID))
		return nil
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// the swap outlives the dispatching call
		pollCtx := context.WithoutCancel(ctx)
		if res, ok := w.await(pollCtx, req, lo, placed); ok {
			cb(pollCtx, res)
		}
	}()
	return nil
}

// await polls the order until it reaches a final status. There is no
// timeout: a resting limit order waits until the exchange fills or cancels it
// or the venue is stopped, in which case ok is false.
func (w *Wallex) await(ctx context.Context, req SwapRequest, lo limitOrder, st orderStatus) (_ SwapResult, ok bool) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	attempt := 0
	for {
		switch st.Status {
		case "FILLED":
			return w.settle(ctx, req, lo, st), true
		case "CANCELED", "EXPIRED", "REJECTED":
			return w.fail(ctx, req, fmt.Errorf("order %s %s", st.ClientOrderID, strings.ToLower(st.Status))), true
		}

		select {
		case <-w.stop:
			w.log.Info("stopped polling, swap stays pending",
				zap.String("request_id", req.RequestID), zap.String("client_order_id", st.ClientOrderID))
			return SwapResult{}, false
		case <-ticker.C:
		}

		next, err := w.client.Order(st.ClientOrderID)
		if err != nil {
			attempt++
			w.log.Warn("order status check failed",
				zap.String("client_order_id", st.ClientOrderID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		attempt = 0
		st = next
	}
}

// settle pays the proceeds of a filled order to ReplyTo, together with the
// input the fill did not consume. A BUY filled below its limit price spends
// less quote than was attached.
func (w *Wallex) settle(ctx context.Context, req SwapRequest, lo limitOrder, st orderStatus) SwapResult {
	var out, spent *big.Int
	if lo.side == "SELL" {
		out = asset.FromUnits(st.ExecutedQty.Mul(st.ExecutedPrice), lo.market.QuoteDecimals)
		spent = asset.FromUnitsCeil(st.ExecutedQty, lo.market.BaseDecimals)
	} else {
		out = asset.FromUnits(st.ExecutedQty, lo.market.BaseDecimals)
		spent = asset.FromUnitsCeil(st.ExecutedQty.Mul(st.ExecutedPrice), lo.market.QuoteDecimals)
	}
	refund := new(big.Int).Sub(req.AmountIn, spent)
	if refund.Sign() < 0 {
		refund.SetInt64(0)
	}

	if err := w.ledger.Transfer(ctx, w.address, req.ReplyTo, req.AssetOut, out); err != nil {
		return w.fail(ctx, req, fmt.Errorf("paying out %s %s: %w", out, req.AssetOut, err))
	}
	if refund.Sign() > 0 {
		if err := w.ledger.Transfer(ctx, w.address, req.ReplyTo, req.AssetIn, refund); err != nil {
			// proceeds are paid, the leftover stays with the venue
			w.log.Error("failed to return unspent input",
				zap.String("request_id", req.RequestID), zap.Stringer("refund", refund), zap.Error(err))
			refund.SetInt64(0)
		}
	}
	w.log.Info("order filled",
		zap.String("request_id", req.RequestID),
		zap.Stringer("amount_out", out),
		zap.Stringer("refund", refund))
	return SwapResult{RequestID: req.RequestID, AssetOut: req.AssetOut, AmountOut: out, Refund: refund}
}

func (w *Wallex) fail(ctx context.Context, req SwapRequest, cause error) SwapResult {
	res := SwapResult{RequestID: req.RequestID, AssetOut: req.AssetOut, Err: cause}
	if err := w.ledger.Transfer(ctx, w.address, req.ReplyTo, req.AssetIn, req.AmountIn); err != nil {
		w.log.Error("failed to return swap input", zap.String("request_id", req.RequestID), zap.Error(err))
	} else {
		res.Reverted = true
	}
	w.log.Info("order failed", zap.String("request_id", req.RequestID), zap.Error(cause), zap.Bool("reverted", res.Reverted))
	return res
}
