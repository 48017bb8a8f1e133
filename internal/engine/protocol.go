package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/order"
	"github.com/amirphl/limit-escrow/internal/pending"
	"github.com/amirphl/limit-escrow/internal/venue"
)

// OpenOrder escrows the single payment attached to call and stores an order
// to swap it for at least minOut of assetOut. It returns the stored order and
// its position.
func (e *Engine) OpenOrder(ctx context.Context, call ledger.Call, assetOut asset.ID, minOut *big.Int) (_ order.Order, _ int, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked(ctx, call, assetOut, minOut)
}

// OpenOrderAtRate is OpenOrder with the minimum output derived from a limit
// rate in output units per input unit.
func (e *Engine) OpenOrderAtRate(ctx context.Context, call ledger.Call, assetOut asset.ID, rate decimal.Decimal) (_ order.Order, _ int, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(call.Payments) != 1 {
		return order.Order{}, 0, ErrValidation.New("expected exactly one attached payment, got %d", len(call.Payments))
	}
	minOut, err := asset.MinOutAtRate(call.Payments[0].Amount, rate)
	if err != nil {
		return order.Order{}, 0, ErrValidation.Wrap(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked(ctx, call, assetOut, minOut)
}

func validateOpen(call ledger.Call, assetOut asset.ID, minOut *big.Int) error {
	if call.Caller == "" {
		return ErrValidation.New("caller is required")
	}
	if len(call.Payments) != 1 {
		return ErrValidation.New("expected exactly one attached payment, got %d", len(call.Payments))
	}
	in := call.Payments[0]
	if err := in.Validate(); err != nil {
		return ErrValidation.Wrap(err)
	}
	if err := assetOut.Validate(); err != nil {
		return ErrValidation.Wrap(err)
	}
	if assetOut == in.Asset {
		return ErrValidation.New("asset out must differ from the deposited asset %s", in.Asset)
	}
	if !asset.IsPositive(minOut) {
		return ErrValidation.New("minimum output must be greater than 0")
	}
	return nil
}

func (e *Engine) openLocked(ctx context.Context, call ledger.Call, assetOut asset.ID, minOut *big.Int) (order.Order, int, error) {
	if err := validateOpen(call, assetOut, minOut); err != nil {
		return order.Order{}, 0, err
	}

	in, err := e.ledger.DebitFromCaller(ctx, call)
	if err != nil {
		return order.Order{}, 0, Error.Wrap(err)
	}

	o, index, err := e.store.Append(ctx, order.Order{
		Owner:        call.Caller,
		AssetIn:      in.Asset,
		AmountIn:     asset.Copy(in.Amount),
		AssetOut:     assetOut,
		AmountOutMin: asset.Copy(minOut),
		CreatedAt:    e.now().UTC(),
	})
	if err != nil {
		if rerr := e.ledger.Credit(ctx, call.Caller, in.Asset, in.Amount); rerr != nil {
			e.log.Error("failed to return deposit of rejected order",
				zap.Stringer("owner", call.Caller), zap.Stringer("asset", in.Asset),
				zap.Stringer("amount", in.Amount), zap.Error(rerr))
			return order.Order{}, 0, Error.New("storing order: %v; returning deposit: %v", err, rerr)
		}
		return order.Order{}, 0, err
	}

	mon.Meter("orders_opened").Mark(1)
	e.log.Info("order opened",
		zap.Uint64("order_id", o.ID),
		zap.Int("index", index),
		zap.Stringer("owner", o.Owner),
		zap.Stringer("asset_in", o.AssetIn),
		zap.Stringer("amount_in", o.AmountIn),
		zap.Stringer("asset_out", o.AssetOut),
		zap.Stringer("min_out", o.AmountOutMin))
	e.record(ctx, journal.TypeOrderOpened, "order opened", orderData(o, index))

	return o, index, nil
}

// CloseOrder cancels the open order at index and refunds its deposit to the
// owner.
func (e *Engine) CloseOrder(ctx context.Context, caller ledger.Address, index int) (_ order.Order, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.Get(ctx, index)
	if err != nil {
		return order.Order{}, err
	}
	return o, e.closeLocked(ctx, caller, o, index)
}

// CloseOrderByID cancels the open order with the given ID.
func (e *Engine) CloseOrderByID(ctx context.Context, caller ledger.Address, id uint64) (_ order.Order, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	defer e.mu.Unlock()

	o, index, err := e.store.GetByID(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	return o, e.closeLocked(ctx, caller, o, index)
}

func (e *Engine) closeLocked(ctx context.Context, caller ledger.Address, o order.Order, index int) error {
	if caller != o.Owner && caller != e.config.Owner && !e.config.AllowAnyCanceller {
		return ErrUnauthorized.New("%s may not cancel order %d", caller, o.ID)
	}
	st, err := e.stateLocked(ctx, o.ID)
	if err != nil {
		return err
	}
	if st == StateExecuting {
		return ErrOrderExecuting
	}

	err = e.store.InTx(ctx, func(ctx context.Context) error {
		if err := e.store.RemoveByID(ctx, o.ID); err != nil {
			return err
		}
		return Error.Wrap(e.ledger.Credit(ctx, o.Owner, o.AssetIn, o.AmountIn))
	})
	if err != nil {
		return err
	}

	mon.Meter("orders_closed").Mark(1)
	e.log.Info("order closed",
		zap.Uint64("order_id", o.ID),
		zap.Int("index", index),
		zap.Stringer("caller", caller),
		zap.Stringer("refund", o.AmountIn))
	data := orderData(o, index)
	data["caller"] = caller.String()
	e.record(ctx, journal.TypeOrderClosed, "order closed", data)
	return nil
}

// ExecuteOrder hands the deposit of the order at index to the venue at
// venueAddr and returns the request ID the venue will answer. The order stays
// in the store until OnSwapResult settles it. A nil minOutOverride uses the
// order's own floor; an override may only raise it.
func (e *Engine) ExecuteOrder(ctx context.Context, caller ledger.Address, index int, venueAddr ledger.Address, minOutOverride *big.Int) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	requestID, msg, err := func() (string, string, error) {
		o, err := e.store.Get(ctx, index)
		if err != nil {
			return "", "", err
		}
		return e.executeLocked(ctx, caller, o, index, venueAddr, minOutOverride)
	}()
	e.mu.Unlock()

	if msg != "" {
		e.alert(msg)
	}
	return requestID, err
}

// ExecuteOrderByID is ExecuteOrder for the order with the given ID.
func (e *Engine) ExecuteOrderByID(ctx context.Context, caller ledger.Address, id uint64, venueAddr ledger.Address, minOutOverride *big.Int) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	requestID, msg, err := func() (string, string, error) {
		o, index, err := e.store.GetByID(ctx, id)
		if err != nil {
			return "", "", err
		}
		return e.executeLocked(ctx, caller, o, index, venueAddr, minOutOverride)
	}()
	e.mu.Unlock()

	if msg != "" {
		e.alert(msg)
	}
	return requestID, err
}

// executeLocked returns the request ID and, when the dispatch left custody
// short, an alert to send once the lock is released.
func (e *Engine) executeLocked(ctx context.Context, caller ledger.Address, o order.Order, index int, venueAddr ledger.Address, minOutOverride *big.Int) (string, string, error) {
	if !e.isOperator(caller) {
		return "", "", ErrUnauthorized.New("%s may not execute orders", caller)
	}
	v, ok := e.venues[venueAddr]
	if !ok {
		return "", "", Error.Wrap(fmt.Errorf("%w: %s", ErrUnknownVenue, venueAddr))
	}
	st, err := e.stateLocked(ctx, o.ID)
	if err != nil {
		return "", "", err
	}
	if st == StateExecuting {
		return "", "", ErrOrderExecuting
	}

	minOut := o.AmountOutMin
	if minOutOverride != nil {
		if minOutOverride.Cmp(o.AmountOutMin) < 0 {
			return "", "", ErrValidation.New("minimum output %s is below the order floor %s", minOutOverride, o.AmountOutMin)
		}
		minOut = minOutOverride
	}

	swap := pending.Swap{
		RequestID:    uuid.NewString(),
		OrderID:      o.ID,
		Index:        index,
		Owner:        o.Owner,
		AssetIn:      o.AssetIn,
		AmountIn:     asset.Copy(o.AmountIn),
		AssetOut:     o.AssetOut,
		MinOut:       asset.Copy(minOut),
		Venue:        v.Address(),
		State:        pending.StateDispatched,
		DispatchedAt: e.now().UTC(),
	}
	log := e.log.With(
		zap.String("request_id", swap.RequestID),
		zap.Uint64("order_id", o.ID),
		zap.String("venue", v.Name()))

	if err := e.pending.Put(ctx, swap); err != nil {
		return "", "", Error.Wrap(err)
	}
	if err := e.ledger.Credit(ctx, v.Address(), o.AssetIn, o.AmountIn); err != nil {
		e.dropPending(ctx, swap.RequestID)
		return "", "", Error.Wrap(err)
	}

	err = v.SwapFixedInput(ctx, venue.SwapRequest{
		RequestID:    swap.RequestID,
		AssetIn:      swap.AssetIn,
		AmountIn:     asset.Copy(swap.AmountIn),
		AssetOut:     swap.AssetOut,
		MinAmountOut: asset.Copy(swap.MinOut),
		ReplyTo:      e.ledger.Custody(),
	}, e.onVenueResult)
	if err != nil {
		// a rejected dispatch must hand the deposit back, the order is open again
		e.dropPending(ctx, swap.RequestID)
		log.Warn("swap dispatch rejected", zap.Error(err))
		breach := e.checkCustodyLocked(ctx, o.AssetIn)
		if errors.Is(breach, ErrCustodyBreach) {
			msg, swapErr := e.breachLocked(ctx, swap, err, breach)
			return "", msg, swapErr
		}
		if breach != nil {
			log.Error("failed to verify custody after rejected dispatch", zap.Error(breach))
		}
		return "", "", Error.Wrap(err)
	}

	mon.Meter("swaps_dispatched").Mark(1)
	log.Info("swap dispatched",
		zap.Int("index", index),
		zap.Stringer("amount_in", swap.AmountIn),
		zap.Stringer("min_out", swap.MinOut))
	data := swapData(swap)
	data["caller"] = caller.String()
	e.record(ctx, journal.TypeSwapDispatched, "swap dispatched", data)

	return swap.RequestID, "", nil
}

// breachLocked reports a rejected dispatch whose deposit the venue kept. The
// order reads OPEN but nothing backs it, so the process is halted through
// Fatal.
func (e *Engine) breachLocked(ctx context.Context, swap pending.Swap, cause, breach error) (string, error) {
	e.settled.Add(swap.RequestID, pending.StateFailed)
	mon.Meter("swaps_failed").Mark(1)

	swapErr := &SwapError{RequestID: swap.RequestID, OrderID: swap.OrderID, Cause: cause, Breach: breach}
	e.log.Error("venue kept the deposit of a rejected swap",
		zap.String("request_id", swap.RequestID),
		zap.Uint64("order_id", swap.OrderID),
		zap.Error(cause),
		zap.NamedError("breach", breach))
	data := swapData(swap)
	data["error"] = cause.Error()
	data["reverted"] = false
	data["breach"] = breach.Error()
	e.record(ctx, journal.TypeSwapFailed, "swap dispatch rejected", data)
	e.escalate(swapErr)

	return fmt.Sprintf("Swap %s for order %d was rejected and the deposit was not returned: %v", swap.RequestID, swap.OrderID, breach), swapErr
}

// escalate hands err to the Fatal channel without blocking.
func (e *Engine) escalate(err error) {
	select {
	case e.fatal <- err:
	default:
		e.log.Error("fatal channel full, dropping error", zap.Error(err))
	}
}

func (e *Engine) dropPending(ctx context.Context, requestID string) {
	if err := e.pending.Delete(ctx, requestID); err != nil {
		e.log.Error("failed to drop pending swap", zap.String("request_id", requestID), zap.Error(err))
	}
}

// onVenueResult is the callback handed to venues.
func (e *Engine) onVenueResult(ctx context.Context, res venue.SwapResult) {
	err := e.OnSwapResult(ctx, res)
	if err == nil {
		return
	}
	var swapErr *SwapError
	if !errors.As(err, &swapErr) && !errors.Is(err, ErrCustodyBreach) {
		e.log.Error("swap result rejected", zap.String("request_id", res.RequestID), zap.Error(err))
		return
	}
	e.log.Error("swap failed", zap.String("request_id", res.RequestID), zap.Error(err))
	e.escalate(err)
}

// OnSwapResult settles the swap identified by res.RequestID. It accepts each
// request once. On success the output is split into the protocol fee and the
// owner's proceeds and the order is removed. On failure the order is open
// again and a *SwapError is returned.
func (e *Engine) OnSwapResult(ctx context.Context, res venue.SwapResult) (err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	msg, err := e.settleLocked(ctx, res)
	e.mu.Unlock()

	if msg != "" {
		e.alert(msg)
	}
	return err
}

func (e *Engine) settleLocked(ctx context.Context, res venue.SwapResult) (string, error) {
	swap, err := e.pending.Get(ctx, res.RequestID)
	if errors.Is(err, pending.ErrNotFound) || (err == nil && swap.State != pending.StateDispatched) {
		if outcome, ok := e.settled.Get(res.RequestID); ok {
			mon.Counter("duplicate_results").Inc(1)
			return "", Error.Wrap(fmt.Errorf("%w: %s was already %v", ErrUnknownRequest, res.RequestID, outcome))
		}
		return "", Error.Wrap(fmt.Errorf("%w: %s", ErrUnknownRequest, res.RequestID))
	}
	if err != nil {
		return "", Error.Wrap(err)
	}

	if !res.OK() {
		return e.failLocked(ctx, swap, res.Err, res.Reverted)
	}
	if res.AssetOut != swap.AssetOut {
		// the input is gone and the proceeds are in the wrong asset
		return e.failLocked(ctx, swap, fmt.Errorf("venue paid %s, expected %s", res.AssetOut, swap.AssetOut), false)
	}

	out := asset.Copy(res.AmountOut)
	if out.Cmp(swap.MinOut) < 0 {
		e.log.Warn("venue filled below the requested minimum",
			zap.String("request_id", swap.RequestID), zap.Stringer("amount_out", out), zap.Stringer("min_out", swap.MinOut))
	}
	fee, net := SplitFee(out, e.config.FeeDivisor)

	refund := asset.Copy(res.Refund)
	if refund.Sign() < 0 || refund.Cmp(swap.AmountIn) > 0 {
		return e.failLocked(ctx, swap, fmt.Errorf("venue reported a refund of %s %s for an input of %s", refund, swap.AssetIn, swap.AmountIn), false)
	}
	if err := e.receivedLocked(ctx, swap.AssetOut, out); err != nil {
		if !errors.Is(err, ErrCustodyBreach) {
			return "", err
		}
		return e.failLocked(ctx, swap, err, false)
	}
	if refund.Sign() > 0 {
		if err := e.receivedLocked(ctx, swap.AssetIn, refund); err != nil {
			if !errors.Is(err, ErrCustodyBreach) {
				return "", err
			}
			return e.failLocked(ctx, swap, err, false)
		}
	}

	err = e.store.InTx(ctx, func(ctx context.Context) error {
		if err := e.store.RemoveByID(ctx, swap.OrderID); err != nil {
			return err
		}
		if fee.Sign() > 0 {
			if err := e.ledger.Credit(ctx, e.config.Treasury, swap.AssetOut, fee); err != nil {
				return Error.Wrap(err)
			}
		}
		if net.Sign() > 0 {
			if err := e.ledger.Credit(ctx, swap.Owner, swap.AssetOut, net); err != nil {
				return Error.Wrap(err)
			}
		}
		if refund.Sign() > 0 {
			if err := e.ledger.Credit(ctx, swap.Owner, swap.AssetIn, refund); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	e.dropPending(ctx, swap.RequestID)
	e.settled.Add(swap.RequestID, pending.StateSettled)

	mon.Meter("orders_settled").Mark(1)
	e.log.Info("order settled",
		zap.String("request_id", swap.RequestID),
		zap.Uint64("order_id", swap.OrderID),
		zap.Stringer("owner", swap.Owner),
		zap.Stringer("amount_out", out),
		zap.Stringer("fee", fee),
		zap.Stringer("net", net),
		zap.Stringer("refund", refund))
	data := swapData(swap)
	data["amount_out"] = out.String()
	data["fee"] = fee.String()
	data["net"] = net.String()
	if refund.Sign() > 0 {
		data["refund"] = refund.String()
	}
	e.record(ctx, journal.TypeOrderSettled, "order settled", data)
	return "", nil
}

// receivedLocked checks that custody holds amount of id on top of the escrow
// of the open orders, i.e. that a venue actually paid what it reported.
func (e *Engine) receivedLocked(ctx context.Context, id asset.ID, amount *big.Int) error {
	escrowed, err := e.escrowedLocked(ctx, id)
	if err != nil {
		return err
	}
	balance, err := e.ledger.BalanceOf(ctx, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if want := new(big.Int).Add(escrowed, amount); balance.Cmp(want) < 0 {
		return fmt.Errorf("%w: venue reported %s %s, custody holds %s of which open orders escrow %s",
			ErrCustodyBreach, amount, id, balance, escrowed)
	}
	return nil
}

func (e *Engine) failLocked(ctx context.Context, swap pending.Swap, cause error, reverted bool) (string, error) {
	if cause == nil {
		cause = Error.New("venue reported failure without a reason")
	}
	e.dropPending(ctx, swap.RequestID)
	e.settled.Add(swap.RequestID, pending.StateFailed)
	mon.Meter("swaps_failed").Mark(1)

	swapErr := &SwapError{RequestID: swap.RequestID, OrderID: swap.OrderID, Cause: cause}
	switch {
	case !reverted:
		swapErr.Breach = fmt.Errorf("%w: venue did not return %s %s", ErrCustodyBreach, swap.AmountIn, swap.AssetIn)
	default:
		if err := e.checkCustodyLocked(ctx, swap.AssetIn); err != nil {
			swapErr.Breach = err
		}
	}

	e.log.Error("swap failed",
		zap.String("request_id", swap.RequestID),
		zap.Uint64("order_id", swap.OrderID),
		zap.Bool("reverted", reverted),
		zap.Error(cause),
		zap.NamedError("breach", swapErr.Breach))
	data := swapData(swap)
	data["error"] = cause.Error()
	data["reverted"] = reverted
	if swapErr.Breach != nil {
		data["breach"] = swapErr.Breach.Error()
	}
	e.record(ctx, journal.TypeSwapFailed, "swap failed", data)

	return fmt.Sprintf("Swap %s for order %d failed: %v (reverted: %t)", swap.RequestID, swap.OrderID, cause, reverted), swapErr
}

// SplitFee splits amount into fee = amount / divisor and net = amount - fee,
// so fee + net == amount. A zero divisor charges no fee.
func SplitFee(amount *big.Int, divisor uint64) (fee, net *big.Int) {
	fee = new(big.Int)
	if divisor != 0 {
		fee.Quo(amount, new(big.Int).SetUint64(divisor))
	}
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}

func orderData(o order.Order, index int) map[string]any {
	return map[string]any{
		"order_id":  o.ID,
		"index":     index,
		"owner":     o.Owner.String(),
		"asset_in":  o.AssetIn.String(),
		"amount_in": o.AmountIn.String(),
		"asset_out": o.AssetOut.String(),
		"min_out":   o.AmountOutMin.String(),
	}
}

func swapData(s pending.Swap) map[string]any {
	return map[string]any{
		"request_id": s.RequestID,
		"order_id":   s.OrderID,
		"owner":      s.Owner.String(),
		"asset_in":   s.AssetIn.String(),
		"amount_in":  s.AmountIn.String(),
		"asset_out":  s.AssetOut.String(),
		"min_out":    s.MinOut.String(),
		"venue":      s.Venue.String(),
	}
}
