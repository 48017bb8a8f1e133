// Package engine implements the escrow and settlement protocol: orders are
// opened against an attached deposit, cancelled for a refund, or executed
// through an asynchronous swap venue and settled when the venue reports back.
//
// Every entry point, including venue callbacks, runs under a single mutex, so
// each operation sees the store and custody as the previous one left them.
// Swaps in flight are tracked by request ID in a pending store and settled by
// the order's stable ID, never by its position.
package engine

import (
	"context"
	"math/big"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/db"
	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/notifier"
	"github.com/amirphl/limit-escrow/internal/order"
	"github.com/amirphl/limit-escrow/internal/pending"
	"github.com/amirphl/limit-escrow/internal/venue"
)

var mon = monkit.Package()

// settledCacheSize bounds how many finished request IDs are remembered to tell
// a duplicate venue result from an unknown one.
const settledCacheSize = 4096

// ClearMode selects what ClearStorage does with escrowed funds.
type ClearMode string

const (
	// ClearRefund repays every owner before the store is emptied.
	ClearRefund ClearMode = "refund"
	// ClearWipe empties the store and leaves the escrow in custody.
	ClearWipe ClearMode = "wipe"
)

// DefaultFeeDivisor takes a 0.1% protocol fee.
const DefaultFeeDivisor = 1000

// Config holds the protocol parameters.
type Config struct {
	// Owner may run the administrative operations and cancel any order.
	Owner ledger.Address
	// Treasury receives the protocol fee.
	Treasury ledger.Address
	// Operators may execute orders besides the owner. Empty means anyone.
	Operators []ledger.Address
	// FeeDivisor is F in fee = out / F. Zero disables the fee.
	FeeDivisor uint64
	ClearMode  ClearMode
	// AllowAnyCanceller lets any caller cancel any open order.
	AllowAnyCanceller bool
}

// Validate checks the configuration before the engine is built.
func (c Config) Validate() error {
	if c.Owner == "" {
		return Error.New("owner address is required")
	}
	if c.Treasury == "" && c.FeeDivisor != 0 {
		return Error.New("treasury address is required when a fee is charged")
	}
	switch c.ClearMode {
	case "", ClearRefund, ClearWipe:
	default:
		return Error.New("unknown clear mode %q", c.ClearMode)
	}
	return nil
}

// State is the lifecycle state of a live order.
type State int

const (
	StateOpen State = iota + 1
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateExecuting:
		return "EXECUTING"
	default:
		return "UNKNOWN"
	}
}

type Engine struct {
	mu sync.Mutex

	log      *zap.Logger
	config   Config
	store    db.Storage
	pending  pending.Store
	ledger   ledger.Ledger
	journal  journal.Journaler
	notifier notifier.Notifier
	venues   map[ledger.Address]venue.Venue
	settled  *lru.Cache

	fatal chan error
	now   func() time.Time
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Store   db.Storage
	Pending pending.Store
	Ledger  ledger.Ledger
	// Journal defaults to Store.
	Journal  journal.Journaler
	Notifier notifier.Notifier
	Venues   []venue.Venue
}

func New(log *zap.Logger, config Config, deps Deps) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Pending == nil || deps.Ledger == nil {
		return nil, Error.New("store, pending store and ledger are required")
	}
	if config.ClearMode == "" {
		config.ClearMode = ClearRefund
	}
	if deps.Journal == nil {
		deps.Journal = deps.Store
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}

	venues := make(map[ledger.Address]venue.Venue, len(deps.Venues))
	for _, v := range deps.Venues {
		if _, ok := venues[v.Address()]; ok {
			return nil, Error.New("duplicate venue address %s", v.Address())
		}
		venues[v.Address()] = v
	}

	settled, err := lru.New(settledCacheSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Engine{
		log:      log.Named("engine"),
		config:   config,
		store:    deps.Store,
		pending:  deps.Pending,
		ledger:   deps.Ledger,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		venues:   venues,
		settled:  settled,
		fatal:    make(chan error, 16),
		now:      time.Now,
	}, nil
}

// Fatal delivers the errors of failed swaps. The process is expected to stop
// and have an operator verify custody before it resumes.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// Config returns the protocol parameters the engine runs with.
func (e *Engine) Config() Config { return e.config }

func (e *Engine) isOperator(caller ledger.Address) bool {
	if caller == e.config.Owner || len(e.config.Operators) == 0 {
		return true
	}
	return slices.Contains(e.config.Operators, caller)
}

func (e *Engine) record(ctx context.Context, typ, description string, data map[string]any) {
	err := e.journal.LogEvent(ctx, journal.Event{
		Time:        e.now().UTC(),
		Type:        typ,
		Description: description,
		Data:        data,
	})
	if err != nil {
		e.log.Warn("failed to journal event", zap.String("type", typ), zap.Error(err))
	}
}

func (e *Engine) alert(msg string) {
	if err := e.notifier.SendWithRetry(msg); err != nil {
		e.log.Warn("failed to send notification", zap.Error(err))
	}
}

// -------- Views --------

func (e *Engine) OrderCount(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Count(ctx)
}

func (e *Engine) GetOrder(ctx context.Context, index int) (order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(ctx, index)
}

// GetOrderByID returns the order and its current position.
func (e *Engine) GetOrderByID(ctx context.Context, id uint64) (order.Order, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.GetByID(ctx, id)
}

// Orders lists the live orders in positional order.
func (e *Engine) Orders(ctx context.Context) ([]order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.List(ctx)
}

func (e *Engine) OrderOwner(ctx context.Context, index int) (ledger.Address, error) {
	o, err := e.GetOrder(ctx, index)
	return o.Owner, err
}

func (e *Engine) OrderAssetIn(ctx context.Context, index int) (asset.ID, error) {
	o, err := e.GetOrder(ctx, index)
	return o.AssetIn, err
}

func (e *Engine) OrderAmountIn(ctx context.Context, index int) (*big.Int, error) {
	o, err := e.GetOrder(ctx, index)
	return o.AmountIn, err
}

func (e *Engine) OrderAssetOut(ctx context.Context, index int) (asset.ID, error) {
	o, err := e.GetOrder(ctx, index)
	return o.AssetOut, err
}

func (e *Engine) OrderMinOut(ctx context.Context, index int) (*big.Int, error) {
	o, err := e.GetOrder(ctx, index)
	return o.AmountOutMin, err
}

// OrderState reports whether the order at index has a swap in flight.
func (e *Engine) OrderState(ctx context.Context, index int) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.store.Get(ctx, index)
	if err != nil {
		return 0, err
	}
	return e.stateLocked(ctx, o.ID)
}

func (e *Engine) stateLocked(ctx context.Context, orderID uint64) (State, error) {
	_, executing, err := e.pending.ForOrder(ctx, orderID)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if executing {
		return StateExecuting, nil
	}
	return StateOpen, nil
}

// PendingSwaps lists the swaps awaiting a venue result, oldest first.
func (e *Engine) PendingSwaps(ctx context.Context) ([]pending.Swap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocked(ctx)
}

func (e *Engine) pendingLocked(ctx context.Context) ([]pending.Swap, error) {
	var swaps []pending.Swap
	err := e.pending.Scan(ctx, pending.StateDispatched, func(s pending.Swap) error {
		swaps = append(swaps, s)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// the stores scan by request ID
	slices.SortStableFunc(swaps, func(a, b pending.Swap) int {
		return a.DispatchedAt.Compare(b.DispatchedAt)
	})
	return swaps, nil
}

// Escrowed sums AmountIn of id over the open orders, i.e. what custody must
// hold for them. Orders with a swap in flight are backed by the venue.
func (e *Engine) Escrowed(ctx context.Context, id asset.ID) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escrowedLocked(ctx, id)
}

func (e *Engine) escrowedLocked(ctx context.Context, id asset.ID) (*big.Int, error) {
	orders, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sum := new(big.Int)
	for _, o := range orders {
		if o.AssetIn != id {
			continue
		}
		st, err := e.stateLocked(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if st == StateOpen {
			sum.Add(sum, o.AmountIn)
		}
	}
	return sum, nil
}

// CheckCustody verifies that custody holds at least the escrow of id.
func (e *Engine) CheckCustody(ctx context.Context, id asset.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkCustodyLocked(ctx, id)
}

func (e *Engine) checkCustodyLocked(ctx context.Context, id asset.ID) error {
	escrowed, err := e.escrowedLocked(ctx, id)
	if err != nil {
		return err
	}
	balance, err := e.ledger.BalanceOf(ctx, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if balance.Cmp(escrowed) < 0 {
		return Error.Wrap(&custodyShortfall{asset: id, balance: balance, escrowed: escrowed})
	}
	return nil
}

type custodyShortfall struct {
	asset    asset.ID
	balance  *big.Int
	escrowed *big.Int
}

func (c *custodyShortfall) Error() string {
	return ErrCustodyBreach.Error() + ": custody holds " + c.balance.String() + " " + c.asset.String() +
		", open orders escrow " + c.escrowed.String()
}

func (c *custodyShortfall) Is(target error) bool { return target == ErrCustodyBreach }
