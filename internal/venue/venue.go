// Package venue
package venue

import (
	"context"
	"math/big"

	"github.com/zeebo/errs"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/ledger"
)

// Error is the error class for swap venues.
var Error = errs.Class("venue")

// SwapRequest asks a venue to swap AmountIn of AssetIn, which the caller has
// already transferred to the venue's address, for at least MinAmountOut of
// AssetOut. Proceeds, or the reversed input on failure, go to ReplyTo.
type SwapRequest struct {
	RequestID    string
	AssetIn      asset.ID
	AmountIn     *big.Int
	AssetOut     asset.ID
	MinAmountOut *big.Int
	ReplyTo      ledger.Address
}

// SwapResult is delivered exactly once per accepted request.
type SwapResult struct {
	RequestID string
	AssetOut  asset.ID
	AmountOut *big.Int
	// Refund is unspent input a successful swap returned to ReplyTo along
	// with the proceeds.
	Refund *big.Int
	// Err is set when the swap failed.
	Err error
	// Reverted reports that on failure the venue returned the attached
	// input to ReplyTo.
	Reverted bool
}

// OK reports whether the swap succeeded.
func (r SwapResult) OK() bool { return r.Err == nil }

// Callback receives the result of an asynchronous swap.
type Callback func(ctx context.Context, res SwapResult)

// Venue is an external exchange that fills swaps asynchronously.
type Venue interface {
	Name() string
	// Address is the ledger account the input must be attached to.
	Address() ledger.Address
	// SwapFixedInput dispatches req and returns without waiting for the
	// swap. cb is invoked at most once, later, from another goroutine. A
	// non-nil error means the request was not accepted; the venue should
	// have returned the attached input to req.ReplyTo, and callers verify
	// that it did.
	SwapFixedInput(ctx context.Context, req SwapRequest, cb Callback) error
}
