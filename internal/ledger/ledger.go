// Package ledger models the value-transfer substrate the escrow engine runs
// on: who the caller is, what value was attached to the call, and custody of
// assets held by the engine's own account.
package ledger

import (
	"context"
	"math/big"

	"github.com/zeebo/errs"

	"github.com/amirphl/limit-escrow/internal/asset"
)

// Error is the error class for ledger failures.
var Error = errs.Class("ledger")

// ErrInsufficientFunds is returned when an account cannot cover a transfer.
var ErrInsufficientFunds = errs.New("insufficient funds")

// Address identifies an account.
type Address string

func (a Address) String() string { return string(a) }

// Call carries the identity of the caller and the value attached to the call.
type Call struct {
	Caller   Address
	Payments []asset.Payment
}

// NewCall is a call from caller with a single attached payment.
func NewCall(caller Address, p asset.Payment) Call {
	return Call{Caller: caller, Payments: []asset.Payment{p}}
}

// Ledger is the custody interface the protocol consumes.
type Ledger interface {
	// Custody is the account holding escrowed funds.
	Custody() Address
	// DebitFromCaller moves the single fungible transfer attached to call
	// into custody and returns it.
	DebitFromCaller(ctx context.Context, call Call) (asset.Payment, error)
	// Credit moves amount of id from custody to the given account.
	Credit(ctx context.Context, to Address, id asset.ID, amount *big.Int) error
	// BalanceOf returns the custody balance of id.
	BalanceOf(ctx context.Context, id asset.ID) (*big.Int, error)
}

// Transferer moves funds between arbitrary accounts. Swap venues use it to
// return proceeds or reverse an attached transfer.
type Transferer interface {
	Transfer(ctx context.Context, from, to Address, id asset.ID, amount *big.Int) error
}
