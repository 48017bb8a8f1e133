// Package order
package order

import (
	"context"
	"math/big"
	"time"

	"github.com/zeebo/errs"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/ledger"
)

// Error is the error class for order store failures.
var Error = errs.Class("order")

var (
	// ErrOutOfBounds is returned when a positional index does not refer to a
	// live order.
	ErrOutOfBounds = errs.New("index out of bounds")
	// ErrNotFound is returned when no live order carries the given ID.
	ErrNotFound = errs.New("order not found")
)

// Order is an escrowed request to swap AmountIn of AssetIn for at least
// AmountOutMin of AssetOut. Orders are immutable once stored.
type Order struct {
	ID           uint64
	Owner        ledger.Address
	AssetIn      asset.ID
	AmountIn     *big.Int
	AssetOut     asset.ID
	AmountOutMin *big.Int
	CreatedAt    time.Time
}

// Validate checks the invariants every stored order must satisfy.
func (o Order) Validate() error {
	if o.Owner == "" {
		return Error.New("owner is required")
	}
	if err := o.AssetIn.Validate(); err != nil {
		return Error.Wrap(err)
	}
	if err := o.AssetOut.Validate(); err != nil {
		return Error.Wrap(err)
	}
	if o.AssetIn == o.AssetOut {
		return Error.New("asset out must differ from asset in (%s)", o.AssetIn)
	}
	if !asset.IsPositive(o.AmountIn) {
		return Error.New("amount in must be greater than 0")
	}
	if !asset.IsPositive(o.AmountOutMin) {
		return Error.New("amount out min must be greater than 0")
	}
	return nil
}

// Clone returns a deep copy, so callers cannot mutate stored amounts.
func (o Order) Clone() Order {
	o.AmountIn = asset.Copy(o.AmountIn)
	o.AmountOutMin = asset.Copy(o.AmountOutMin)
	return o
}

// Store is a positionally indexed collection of orders. Removal is O(1)
// swap-with-last: the last order moves into the removed slot, so positions
// are only stable until the next removal. IDs never change.
type Store interface {
	// Append stores o at the end, assigning it the next ID.
	Append(ctx context.Context, o Order) (Order, int, error)
	Get(ctx context.Context, index int) (Order, error)
	// GetByID returns the order and its current position.
	GetByID(ctx context.Context, id uint64) (Order, int, error)
	Remove(ctx context.Context, index int) error
	RemoveByID(ctx context.Context, id uint64) error
	Count(ctx context.Context) (int, error)
	// List returns live orders in positional order.
	List(ctx context.Context) ([]Order, error)
	ClearAll(ctx context.Context) error
}

// Transactor runs fn so that every store mutation inside it commits or
// rolls back together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
