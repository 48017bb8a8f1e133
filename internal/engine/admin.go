package engine

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"go.uber.org/zap"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/order"
)

// ClearStorage removes every order. In ClearRefund mode each owner is repaid
// first; in ClearWipe mode the deposits stay in custody with no order backing
// them. It refuses while swaps are in flight and returns the number of
// orders removed.
func (e *Engine) ClearStorage(ctx context.Context, caller ledger.Address) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.config.Owner {
		return 0, ErrUnauthorized.New("%s may not clear storage", caller)
	}
	inFlight, err := e.pendingLocked(ctx)
	if err != nil {
		return 0, err
	}
	if len(inFlight) > 0 {
		return 0, Error.Wrap(fmt.Errorf("%w: %d", ErrSwapsPending, len(inFlight)))
	}

	orders, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	totals := escrowTotals(orders)

	switch e.config.ClearMode {
	case ClearWipe:
		if err := e.store.ClearAll(ctx); err != nil {
			return 0, err
		}
		for _, id := range sortedAssets(totals) {
			e.log.Warn("escrow stranded by storage wipe",
				zap.Stringer("asset", id), zap.Stringer("amount", totals[id]))
		}
	default:
		for _, id := range sortedAssets(totals) {
			balance, err := e.ledger.BalanceOf(ctx, id)
			if err != nil {
				return 0, Error.Wrap(err)
			}
			if balance.Cmp(totals[id]) < 0 {
				return 0, Error.Wrap(&custodyShortfall{asset: id, balance: balance, escrowed: totals[id]})
			}
		}
		err = e.store.InTx(ctx, func(ctx context.Context) error {
			if err := e.store.ClearAll(ctx); err != nil {
				return err
			}
			for _, o := range orders {
				if err := e.ledger.Credit(ctx, o.Owner, o.AssetIn, o.AmountIn); err != nil {
					return Error.New("refunding order %d: %v", o.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	e.log.Info("storage cleared", zap.String("mode", string(e.config.ClearMode)), zap.Int("orders", len(orders)))
	stranded := map[string]any{}
	if e.config.ClearMode == ClearWipe {
		for id, amount := range totals {
			stranded[id.String()] = amount.String()
		}
	}
	e.record(ctx, journal.TypeStorageCleared, "storage cleared", map[string]any{
		"mode":     string(e.config.ClearMode),
		"orders":   len(orders),
		"stranded": stranded,
	})
	return len(orders), nil
}

// ClaimTokens sweeps the whole custody balance of id to the owner. Deposits
// backing open orders go with it; the amount stranded that way is logged.
func (e *Engine) ClaimTokens(ctx context.Context, caller ledger.Address, id asset.ID) (_ *big.Int, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	amount, msg, err := e.claimLocked(ctx, caller, id)
	e.mu.Unlock()

	if msg != "" {
		e.alert(msg)
	}
	return amount, err
}

func (e *Engine) claimLocked(ctx context.Context, caller ledger.Address, id asset.ID) (*big.Int, string, error) {
	if caller != e.config.Owner {
		return nil, "", ErrUnauthorized.New("%s may not claim tokens", caller)
	}
	if err := id.Validate(); err != nil {
		return nil, "", ErrValidation.Wrap(err)
	}

	balance, err := e.ledger.BalanceOf(ctx, id)
	if err != nil {
		return nil, "", Error.Wrap(err)
	}
	if balance.Sign() == 0 {
		return balance, "", nil
	}
	escrowed, err := e.escrowedLocked(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if err := e.ledger.Credit(ctx, e.config.Owner, id, balance); err != nil {
		return nil, "", Error.Wrap(err)
	}

	var msg string
	log := e.log.With(zap.Stringer("asset", id), zap.Stringer("amount", balance))
	if escrowed.Sign() > 0 {
		log.Warn("claimed tokens include escrow of open orders", zap.Stringer("stranded", escrowed))
		msg = fmt.Sprintf("Owner claimed %s %s; %s of it was escrow for open orders", balance, id, escrowed)
	} else {
		log.Info("tokens claimed")
	}
	e.record(ctx, journal.TypeTokensClaimed, "tokens claimed", map[string]any{
		"asset":    id.String(),
		"amount":   balance.String(),
		"stranded": escrowed.String(),
	})
	return balance, msg, nil
}

// Recover loads the swaps that were in flight when the process stopped. Each
// still awaits its single venue result; there is no timeout. It returns the
// number of swaps found.
func (e *Engine) Recover(ctx context.Context) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	e.mu.Lock()
	defer e.mu.Unlock()

	swaps, err := e.pendingLocked(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range swaps {
		log := e.log.With(
			zap.String("request_id", s.RequestID),
			zap.Uint64("order_id", s.OrderID),
			zap.Stringer("venue", s.Venue),
			zap.Time("dispatched_at", s.DispatchedAt))
		if _, ok := e.venues[s.Venue]; !ok {
			log.Error("swap in flight on an unconfigured venue")
		}
		if _, _, err := e.store.GetByID(ctx, s.OrderID); err != nil {
			log.Error("swap in flight for a missing order", zap.Error(err))
			continue
		}
		log.Info("swap awaiting venue result")
	}
	return len(swaps), nil
}

func escrowTotals(orders []order.Order) map[asset.ID]*big.Int {
	totals := make(map[asset.ID]*big.Int)
	for _, o := range orders {
		sum, ok := totals[o.AssetIn]
		if !ok {
			sum = new(big.Int)
			totals[o.AssetIn] = sum
		}
		sum.Add(sum, o.AmountIn)
	}
	return totals
}

func sortedAssets(totals map[asset.ID]*big.Int) []asset.ID {
	ids := make([]asset.ID, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
