package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "github.com/lib/pq"

	"github.com/amirphl/limit-escrow/internal/asset"
	"github.com/amirphl/limit-escrow/internal/db/conf"
	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/ledger"
	"github.com/amirphl/limit-escrow/internal/order"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	// Check if transaction exists in context
	if tx := GetTransaction(ctx); tx != nil {
		// Use existing transaction
		return fn(tx)
	}

	// Create new transaction
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Execute the function
	if fnErr := fn(tx); fnErr != nil {
		// Rollback on error
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	// Commit on success
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

var _ Storage = (*Default)(nil)

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, Error.New("nil database handle")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// InTx runs fn inside a single database transaction carried by the context.
// Nested calls join the outer transaction.
func (p *Default) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if GetTransaction(ctx) != nil {
		return fn(ctx)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(WithTransaction(ctx, tx))
	})
}

const orderColumns = `id, owner, asset_in, amount_in, asset_out, amount_out_min, created_at`

func scanOrder(row interface{ Scan(dest ...any) error }) (order.Order, error) {
	var (
		o                 order.Order
		owner             string
		assetIn, assetOut string
		amountIn, minOut  string
	)
	if err := row.Scan(&o.ID, &owner, &assetIn, &amountIn, &assetOut, &minOut, &o.CreatedAt); err != nil {
		return order.Order{}, err
	}
	var err error
	if o.AmountIn, err = asset.ParseAmount(amountIn); err != nil {
		return order.Order{}, err
	}
	if o.AmountOutMin, err = asset.ParseAmount(minOut); err != nil {
		return order.Order{}, err
	}
	o.Owner = ledger.Address(owner)
	o.AssetIn = asset.ID(assetIn)
	o.AssetOut = asset.ID(assetOut)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}

func countOrders(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

// Append inserts the order at position count(orders). The orders table is
// locked for the duration so concurrent appends cannot race for a position.
func (p *Default) Append(ctx context.Context, o order.Order) (order.Order, int, error) {
	if err := o.Validate(); err != nil {
		return order.Order{}, 0, err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	var (
		stored order.Order
		index  int
	)
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE orders IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock orders: %w", err)
		}
		n, err := countOrders(ctx, tx)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `INSERT INTO orders (position, owner, asset_in, amount_in, asset_out, amount_out_min, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING `+orderColumns,
			n, string(o.Owner), string(o.AssetIn), amountString(o.AmountIn), string(o.AssetOut), amountString(o.AmountOutMin), o.CreatedAt.UTC())
		stored, err = scanOrder(row)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		index = n
		return nil
	})
	if err != nil {
		return order.Order{}, 0, Error.Wrap(err)
	}
	return stored, index, nil
}

func (p *Default) Get(ctx context.Context, index int) (order.Order, error) {
	if index < 0 {
		return order.Order{}, order.Error.Wrap(order.ErrOutOfBounds)
	}
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE position=$1`, index)
	if err != nil {
		return order.Order{}, Error.New("failed to query order: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return order.Order{}, Error.Wrap(err)
		}
		return order.Order{}, order.Error.Wrap(order.ErrOutOfBounds)
	}
	o, err := scanOrder(rows)
	if err != nil {
		return order.Order{}, Error.New("failed to scan order: %v", err)
	}
	return o, nil
}

func (p *Default) GetByID(ctx context.Context, id uint64) (order.Order, int, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT position, `+orderColumns+` FROM orders WHERE id=$1`, id)
	if err != nil {
		return order.Order{}, 0, Error.New("failed to query order: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return order.Order{}, 0, Error.Wrap(err)
		}
		return order.Order{}, 0, order.Error.Wrap(order.ErrNotFound)
	}
	var position int
	o, err := scanOrder(scanFunc(func(dest ...any) error {
		return rows.Scan(append([]any{&position}, dest...)...)
	}))
	if err != nil {
		return order.Order{}, 0, Error.New("failed to scan order: %v", err)
	}
	return o, position, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// removeAt deletes the order at position index and moves the last order into
// the hole.
func removeAt(ctx context.Context, tx *sql.Tx, index int) error {
	n, err := countOrders(ctx, tx)
	if err != nil {
		return err
	}
	if index < 0 || index >= n {
		return order.Error.Wrap(order.ErrOutOfBounds)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE position=$1`, index); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if last := n - 1; index != last {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET position=$1 WHERE position=$2`, index, last); err != nil {
			return fmt.Errorf("failed to compact orders: %w", err)
		}
	}
	return nil
}

func (p *Default) Remove(ctx context.Context, index int) error {
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE orders IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock orders: %w", err)
		}
		return removeAt(ctx, tx, index)
	})
	if order.Error.Has(err) {
		return err
	}
	return Error.Wrap(err)
}

func (p *Default) RemoveByID(ctx context.Context, id uint64) error {
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE orders IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock orders: %w", err)
		}
		var position int
		err := tx.QueryRowContext(ctx, `SELECT position FROM orders WHERE id=$1`, id).Scan(&position)
		if errors.Is(err, sql.ErrNoRows) {
			return order.Error.Wrap(order.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to query order: %w", err)
		}
		return removeAt(ctx, tx, position)
	})
	if order.Error.Has(err) {
		return err
	}
	return Error.Wrap(err)
}

func (p *Default) Count(ctx context.Context) (int, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT COUNT(*) FROM orders`)
	if err != nil {
		return 0, Error.New("failed to count orders: %v", err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, Error.Wrap(err)
		}
	}
	return n, Error.Wrap(rows.Err())
}

func (p *Default) List(ctx context.Context) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY position ASC`)
	if err != nil {
		return nil, Error.New("failed to query orders: %v", err)
	}
	defer rows.Close()
	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		orders = append(orders, o)
	}
	return orders, Error.Wrap(rows.Err())
}

func (p *Default) ClearAll(ctx context.Context) error {
	return Error.Wrap(p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM orders`); err != nil {
			return fmt.Errorf("failed to clear orders: %w", err)
		}
		return nil
	}))
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return Error.New("failed to encode %s event data: %v", event.Type, err)
	}
	return Error.Wrap(p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	}))
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time < $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, Error.Wrap(err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, Error.New("failed to decode %s event data: %v", e.Type, err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, Error.Wrap(rows.Err())
}

// amountString renders an amount for NUMERIC columns.
func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
