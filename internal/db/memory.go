package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/limit-escrow/internal/journal"
	"github.com/amirphl/limit-escrow/internal/order"
)

type MemoryStorage struct {
	mu sync.RWMutex

	// Live order IDs by position; removal swaps the last ID into the hole.
	positions []uint64
	// Position of each live order ID.
	index map[uint64]int
	// Orders by ID and auto-increment counter
	orders      map[uint64]order.Order
	nextOrderID uint64

	// Events (append-only)
	events []journal.Event
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		positions:   make([]uint64, 0, 64),
		index:       make(map[uint64]int, 64),
		orders:      make(map[uint64]order.Order),
		nextOrderID: 1,
		events:      make([]journal.Event, 0, 1024),
	}
}

// -------- Transactions --------

type memorySnapshot struct {
	positions   []uint64
	index       map[uint64]int
	orders      map[uint64]order.Order
	nextOrderID uint64
}

func (m *MemoryStorage) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders := make(map[uint64]order.Order, len(m.orders))
	for id, o := range m.orders {
		orders[id] = o
	}
	index := make(map[uint64]int, len(m.index))
	for id, i := range m.index {
		index[id] = i
	}
	return memorySnapshot{
		positions:   append([]uint64(nil), m.positions...),
		index:       index,
		orders:      orders,
		nextOrderID: m.nextOrderID,
	}
}

// InTx restores the order set as it was before fn when fn fails. Events are
// append-only and are not rolled back.
func (m *MemoryStorage) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := m.snapshot()
	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.positions = snap.positions
		m.index = snap.index
		m.orders = snap.orders
		m.nextOrderID = snap.nextOrderID
		m.mu.Unlock()
		return err
	}
	return nil
}

// -------- OrderStore --------

func (m *MemoryStorage) Append(ctx context.Context, o order.Order) (order.Order, int, error) {
	if err := o.Validate(); err != nil {
		return order.Order{}, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o = o.Clone()
	o.ID = m.nextOrderID
	m.nextOrderID++
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.CreatedAt = o.CreatedAt.UTC()
	m.orders[o.ID] = o
	m.index[o.ID] = len(m.positions)
	m.positions = append(m.positions, o.ID)
	return o.Clone(), len(m.positions) - 1, nil
}

func (m *MemoryStorage) Get(ctx context.Context, index int) (order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.positions) {
		return order.Order{}, order.Error.Wrap(order.ErrOutOfBounds)
	}
	return m.orders[m.positions[index]].Clone(), nil
}

func (m *MemoryStorage) GetByID(ctx context.Context, id uint64) (order.Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, 0, order.Error.Wrap(order.ErrNotFound)
	}
	return o.Clone(), m.index[id], nil
}

func (m *MemoryStorage) Remove(ctx context.Context, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(index)
}

func (m *MemoryStorage) RemoveByID(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	index, ok := m.index[id]
	if !ok {
		return order.Error.Wrap(order.ErrNotFound)
	}
	return m.removeLocked(index)
}

func (m *MemoryStorage) removeLocked(index int) error {
	if index < 0 || index >= len(m.positions) {
		return order.Error.Wrap(order.ErrOutOfBounds)
	}
	last := len(m.positions) - 1
	removed, moved := m.positions[index], m.positions[last]
	delete(m.orders, removed)
	delete(m.index, removed)
	if index != last {
		m.positions[index] = moved
		m.index[moved] = index
	}
	m.positions = m.positions[:last]
	return nil
}

func (m *MemoryStorage) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions), nil
}

func (m *MemoryStorage) List(ctx context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.positions))
	for _, id := range m.positions {
		out = append(out, m.orders[id].Clone())
	}
	return out, nil
}

func (m *MemoryStorage) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = m.positions[:0]
	m.index = make(map[uint64]int)
	m.orders = make(map[uint64]order.Order)
	return nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
