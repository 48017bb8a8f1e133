package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/ledger"
)

// ErrSlippage is reported when the output would fall below the requested minimum.
var ErrSlippage = errors.New("output below minimum")

type pair struct {
	in, out asset.ID
}

type queued struct {
	req SwapRequest
	cb  Callback
}

// Mock is a ledger-backed venue with fixed per-pair rates. Swaps are queued
// on dispatch and filled on Resolve, ResolveAll or by Run.
type Mock struct {
	mu       sync.Mutex
	name     string
	address  ledger.Address
	ledger   ledger.Transferer
	log      *zap.Logger
	rates    map[pair]decimal.Decimal
	queue    []queued
	failNext []error
	reject   error
	revert   bool
}

var _ Venue = (*Mock)(nil)

func NewMock(name string, address ledger.Address, l ledger.Transferer, log *zap.Logger) *Mock {
	return &Mock{
		name:    name,
		address: address,
		ledger:  l,
		log:     log.Named("venue").With(zap.String("venue", name)),
		rates:   make(map[pair]decimal.Decimal),
		revert:  true,
	}
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Address() ledger.Address { return m.address }

// SetRate sets how many units of out one unit of in buys.
func (m *Mock) SetRate(in, out asset.ID, rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[pair{in, out}] = rate
}

// FailNext makes the next resolved swap fail with err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, err)
}

// RejectDispatch makes every dispatch fail synchronously until cleared with nil.
func (m *Mock) RejectDispatch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = err
}

// SetRevertOnFailure controls whether a failed or rejected swap returns the
// attached input. Turning it off models a venue without that guarantee.
func (m *Mock) SetRevertOnFailure(revert bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revert = revert
}

// Pending returns the number of dispatched but unresolved swaps.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mock) SwapFixedInput(ctx context.Context, req SwapRequest, cb Callback) error {
	m.mu.Lock()
	reject, revert := m.reject, m.revert
	if reject == nil {
		m.queue = append(m.queue, queued{req: req, cb: cb})
	}
	m.mu.Unlock()

	if reject != nil {
		if !revert {
			return Error.New("dispatch rejected (%v), input kept", reject)
		}
		if err := m.ledger.Transfer(ctx, m.address, req.ReplyTo, req.AssetIn, req.AmountIn); err != nil {
			return Error.New("dispatch rejected (%v) and input not returned: %v", reject, err)
		}
		return Error.Wrap(reject)
	}

	m.log.Debug("swap queued",
		zap.String("request_id", req.RequestID),
		zap.Stringer("asset_in", req.AssetIn),
		zap.Stringer("amount_in", req.AmountIn),
		zap.Stringer("asset_out", req.AssetOut),
		zap.Stringer("min_out", req.MinAmountOut))
	return nil
}

// Resolve fills the oldest queued swap. It reports false when the queue is empty.
func (m *Mock) Resolve(ctx context.Context) bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	q := m.queue[0]
	m.queue = m.queue[1:]
	var forced error
	if len(m.failNext) > 0 {
		forced = m.failNext[0]
		m.failNext = m.failNext[1:]
	}
	rate, hasRate := m.rates[pair{q.req.AssetIn, q.req.AssetOut}]
	revert := m.revert
	m.mu.Unlock()

	res := m.fill(ctx, q.req, forced, rate, hasRate, revert)
	q.cb(ctx, res)
	return true
}

// ResolveAll fills every queued swap and returns how many were resolved.
func (m *Mock) ResolveAll(ctx context.Context) int {
	n := 0
	for m.Resolve(ctx) {
		n++
	}
	return n
}

// Run resolves queued swaps every interval until ctx is done.
func (m *Mock) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.ResolveAll(ctx); n > 0 {
				m.log.Debug("resolved swaps", zap.Int("count", n))
			}
		}
	}
}

func (m *Mock) fill(ctx context.Context, req SwapRequest, forced error, rate decimal.Decimal, hasRate, revert bool) SwapResult {
	res := SwapResult{RequestID: req.RequestID, AssetOut: req.AssetOut}

	fail := func(err error) SwapResult {
		res.Err = err
		if revert {
			if terr := m.ledger.Transfer(ctx, m.address, req.ReplyTo, req.AssetIn, req.AmountIn); terr != nil {
				m.log.Error("failed to return swap input", zap.String("request_id", req.RequestID), zap.Error(terr))
			} else {
				res.Reverted = true
			}
		}
		m.log.Info("swap failed", zap.String("request_id", req.RequestID), zap.Error(err), zap.Bool("reverted", res.Reverted))
		return res
	}

	if forced != nil {
		return fail(forced)
	}
	if !hasRate {
		return fail(fmt.Errorf("no liquidity for %s/%s", req.AssetIn, req.AssetOut))
	}
	out := decimal.NewFromBigInt(req.AmountIn, 0).Mul(rate).Floor().BigInt()
	if req.MinAmountOut != nil && out.Cmp(req.MinAmountOut) < 0 {
		return fail(fmt.Errorf("%w: got %s, want at least %s", ErrSlippage, out, req.MinAmountOut))
	}
	if err := m.ledger.Transfer(ctx, m.address, req.ReplyTo, req.AssetOut, out); err != nil {
		return fail(fmt.Errorf("paying out %s %s: %w", out, req.AssetOut, err))
	}

	res.AmountOut = out
	m.log.Info("swap filled", zap.String("request_id", req.RequestID), zap.Stringer("amount_out", out))
	return res
}
