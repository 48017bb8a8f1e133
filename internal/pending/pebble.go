package pending

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/zeebo/errs"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/ledger"
)

const keyPrefix = "swap/"

// PebbleStore is a durable Store. Every write is synced so a dispatched swap
// is never forgotten across a restart.
type PebbleStore struct {
	db *pebble.DB
}

var _ Store = (*PebbleStore)(nil)

func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Close() error {
	return Error.Wrap(p.db.Close())
}

// record is the persisted form of a Swap.
type record struct {
	RequestID    string         `json:"request_id"`
	OrderID      uint64         `json:"order_id"`
	Index        int            `json:"index"`
	Owner        ledger.Address `json:"owner"`
	AssetIn      asset.ID       `json:"asset_in"`
	AmountIn     *big.Int       `json:"amount_in"`
	AssetOut     asset.ID       `json:"asset_out"`
	MinOut       *big.Int       `json:"min_out"`
	Venue        ledger.Address `json:"venue"`
	State        State          `json:"state"`
	DispatchedAt time.Time      `json:"dispatched_at"`
}

func encodeSwap(s Swap) ([]byte, error) {
	return json.Marshal(record(s))
}

func decodeSwap(b []byte) (Swap, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return Swap{}, err
	}
	return Swap(r), nil
}

func keyFor(requestID string) []byte {
	return []byte(keyPrefix + requestID)
}

func (p *PebbleStore) Put(ctx context.Context, s Swap) error {
	if s.RequestID == "" {
		return Error.New("empty request id")
	}
	val, err := encodeSwap(s)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(p.db.Set(keyFor(s.RequestID), val, pebble.Sync))
}

func (p *PebbleStore) Get(ctx context.Context, requestID string) (_ Swap, err error) {
	val, closer, err := p.db.Get(keyFor(requestID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Swap{}, Error.Wrap(ErrNotFound)
		}
		return Swap{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(closer.Close())) }()

	s, err := decodeSwap(val)
	if err != nil {
		return Swap{}, Error.Wrap(err)
	}
	return s, nil
}

func (p *PebbleStore) Delete(ctx context.Context, requestID string) error {
	return Error.Wrap(p.db.Delete(keyFor(requestID), pebble.Sync))
}

func (p *PebbleStore) ForOrder(ctx context.Context, orderID uint64) (Swap, bool, error) {
	var found Swap
	var ok bool
	err := p.Scan(ctx, StateDispatched, func(s Swap) error {
		if s.OrderID == orderID {
			found, ok = s, true
		}
		return nil
	})
	return found, ok, err
}

func (p *PebbleStore) Scan(ctx context.Context, state State, fn func(s Swap) error) (err error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(iter.Close())) }()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := decodeSwap(iter.Value())
		if err != nil {
			return Error.New("decoding %s: %v", iter.Key(), err)
		}
		if s.State != state {
			continue
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return Error.Wrap(iter.Error())
}
