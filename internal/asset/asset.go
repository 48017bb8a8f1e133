// Package asset
package asset

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
)

// Error is the error class for asset validation failures.
var Error = errs.Class("asset")

// Native is the base asset of the ledger. It is never accepted where a
// fungible asset identifier is expected.
const Native ID = "EGLD"

// fungible identifiers look like TICKER-1a2b3c
var idPattern = regexp.MustCompile(`^[A-Z0-9]{3,10}-[a-f0-9]{6}$`)

// ID identifies a fungible asset.
type ID string

func (id ID) String() string { return string(id) }

// Ticker returns the part of the identifier before the random suffix.
func (id ID) Ticker() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}

// Validate reports whether id is a well-formed fungible asset identifier.
func (id ID) Validate() error {
	if id == "" {
		return Error.New("empty asset identifier")
	}
	if id == Native || strings.EqualFold(string(id), string(Native)) {
		return Error.New("native asset %q is not a fungible asset", id)
	}
	if !idPattern.MatchString(string(id)) {
		return Error.New("invalid asset identifier %q", id)
	}
	return nil
}

// Payment is a single fungible transfer.
type Payment struct {
	Asset  ID
	Amount *big.Int
}

// NewPayment builds a payment of amount base units.
func NewPayment(id ID, amount int64) Payment {
	return Payment{Asset: id, Amount: big.NewInt(amount)}
}

// Validate checks the asset identifier and that the amount is positive.
func (p Payment) Validate() error {
	if err := p.Asset.Validate(); err != nil {
		return err
	}
	if !IsPositive(p.Amount) {
		return Error.New("payment amount must be greater than 0")
	}
	return nil
}

// IsPositive reports whether v is non-nil and strictly greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// Copy returns an independent copy of v. A nil value copies to zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ParseAmount parses a base-10 unsigned integer amount.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, Error.New("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, Error.New("negative amount %q", s)
	}
	return v, nil
}

// MinOutAtRate derives the minimum acceptable output for amountIn at the
// given limit rate (output units per input unit), rounded down.
func MinOutAtRate(amountIn *big.Int, rate decimal.Decimal) (*big.Int, error) {
	if !IsPositive(amountIn) {
		return nil, Error.New("amount in must be greater than 0")
	}
	if !rate.IsPositive() {
		return nil, Error.New("rate limit must be greater than 0")
	}
	out := decimal.NewFromBigInt(amountIn, 0).Mul(rate).Floor().BigInt()
	if out.Sign() <= 0 {
		return nil, Error.New("rate %s yields a zero minimum output for %s", rate, amountIn)
	}
	return out, nil
}

// ToUnits converts a base-unit amount to a decimal number of whole units.
func ToUnits(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}

// FromUnits converts whole units back to base units, rounding down.
func FromUnits(units decimal.Decimal, decimals int32) *big.Int {
	return units.Shift(decimals).Floor().BigInt()
}

// FromUnitsCeil is FromUnits rounding up.
func FromUnitsCeil(units decimal.Decimal, decimals int32) *big.Int {
	return units.Shift(decimals).Ceil().BigInt()
}
