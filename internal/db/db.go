// Package db
package db

import (
	"github.com/zeebo/errs"

	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/order"
)

// Error is the error class for storage backends.
var Error = errs.Class("db")

// Storage is the interface for all persistent storage.
type Storage interface {
	order.Store
	order.Transactor
	journal.Journaler
}
