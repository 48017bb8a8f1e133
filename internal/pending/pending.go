// Package pending keeps the record of every swap that has been dispatched to
// a venue and is waiting for its result. The record captures everything the
// settlement needs, so settlement never re-reads the order store by position.
package pending

import (
	"context"
	"math/big"
	"time"

	"github.com/zeebo/errs"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/ledger"
)

// Error is the error class for pending swap stores.
var Error = errs.Class("pending")

// ErrNotFound is returned when no record exists for a request ID.
var ErrNotFound = errs.New("pending swap not found")

type State uint8

const (
	StateDispatched State = iota + 1
	StateSettled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDispatched:
		return "DISPATCHED"
	case StateSettled:
		return "SETTLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Swap is the captured state of one dispatched swap.
type Swap struct {
	RequestID    string
	OrderID      uint64
	Index        int // position at dispatch time, informational only
	Owner        ledger.Address
	AssetIn      asset.ID
	AmountIn     *big.Int
	AssetOut     asset.ID
	MinOut       *big.Int
	Venue        ledger.Address
	State        State
	DispatchedAt time.Time
}

// Store persists pending swaps keyed by request ID.
type Store interface {
	Put(ctx context.Context, s Swap) error
	Get(ctx context.Context, requestID string) (Swap, error)
	Delete(ctx context.Context, requestID string) error
	// ForOrder returns the dispatched swap for an order, if any.
	ForOrder(ctx context.Context, orderID uint64) (Swap, bool, error)
	// Scan calls fn for every record in the given state.
	Scan(ctx context.Context, state State, fn func(s Swap) error) error
}
