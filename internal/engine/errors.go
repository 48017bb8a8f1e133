package engine

import (
	"fmt"

	"github.com/zeebo/errs"
)

// Error is the error class for the escrow engine.
var Error = errs.Class("engine")

var (
	// ErrValidation is the class of input errors. A call failing validation
	// changes nothing.
	ErrValidation = errs.Class("validation")
	// ErrUnauthorized is the class of calls made by an account that may not
	// perform the operation.
	ErrUnauthorized = errs.Class("unauthorized")
)

var (
	ErrOrderExecuting = errs.New("order has a swap in flight")
	ErrUnknownRequest = errs.New("unknown or already settled swap request")
	ErrUnknownVenue   = errs.New("unknown venue")
	ErrSwapsPending   = errs.New("swaps are still in flight")
	// ErrCustodyBreach is reported when custody no longer backs the live
	// orders, e.g. after a venue failed without returning the input.
	ErrCustodyBreach = errs.New("custody breach")
)

// SwapError is returned from OnSwapResult when a venue reports failure. It is
// fatal for the process: the order is open again, but the operator has to
// confirm the venue returned the input before trading resumes.
type SwapError struct {
	RequestID string
	OrderID   uint64
	Cause     error
	// Breach is set when custody could not be verified after the failure.
	Breach error
}

func (e *SwapError) Error() string {
	msg := fmt.Sprintf("swap %s for order %d failed: %v", e.RequestID, e.OrderID, e.Cause)
	if e.Breach != nil {
		msg += fmt.Sprintf(" (%v)", e.Breach)
	}
	return msg
}

func (e *SwapError) Unwrap() []error {
	if e.Breach == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Breach}
}
