package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/order"
)

// Executor periodically executes every open order on one venue on behalf of
// an operator.
type Executor struct {
	log      *zap.Logger
	engine   *Engine
	operator ledger.Address
	venue    ledger.Address
	interval time.Duration
}

func NewExecutor(log *zap.Logger, engine *Engine, operator, venue ledger.Address, interval time.Duration) *Executor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Executor{
		log:      log.Named("executor"),
		engine:   engine,
		operator: operator,
		venue:    venue,
		interval: interval,
	}
}

// Run executes open orders every interval until ctx is done.
func (x *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	x.log.Info("starting order executor", zap.Duration("interval", x.interval), zap.Stringer("venue", x.venue))

	for {
		select {
		case <-ctx.Done():
			x.log.Info("order executor stopped")
			return nil
		case <-ticker.C:
			if _, err := x.RunOnce(ctx); err != nil {
				x.log.Warn("execution pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce dispatches a swap for every open order and returns how many were
// dispatched. Orders are addressed by ID, since positions shift as earlier
// swaps settle.
func (x *Executor) RunOnce(ctx context.Context) (int, error) {
	orders, err := x.engine.Orders(ctx)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		requestID, err := x.engine.ExecuteOrderByID(ctx, x.operator, o.ID, x.venue, nil)
		switch {
		case err == nil:
			dispatched++
			x.log.Debug("order dispatched", zap.Uint64("order_id", o.ID), zap.String("request_id", requestID))
		case errors.Is(err, ErrOrderExecuting), errors.Is(err, order.ErrNotFound):
			// closed or already in flight
		case ErrUnauthorized.Has(err), errors.Is(err, ErrUnknownVenue), errors.Is(err, ErrCustodyBreach):
			return dispatched, err
		default:
			x.log.Warn("failed to execute order", zap.Uint64("order_id", o.ID), zap.Error(err))
		}
	}
	return dispatched, nil
}
