package pending

import (
	"context"
	"sort"
	"sync"

	"github.com/amirphl/limit-escrow/internal/asset"
)

// Memory is a non-durable Store.
type Memory struct {
	mu    sync.RWMutex
	swaps map[string]Swap
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{swaps: make(map[string]Swap)}
}

func (m *Memory) Put(ctx context.Context, s Swap) error {
	if s.RequestID == "" {
		return Error.New("empty request id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps[s.RequestID] = clone(s)
	return nil
}

func (m *Memory) Get(ctx context.Context, requestID string) (Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swaps[requestID]
	if !ok {
		return Swap{}, Error.Wrap(ErrNotFound)
	}
	return clone(s), nil
}

func (m *Memory) Delete(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.swaps, requestID)
	return nil
}

func (m *Memory) ForOrder(ctx context.Context, orderID uint64) (Swap, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.swaps {
		if s.OrderID == orderID && s.State == StateDispatched {
			return clone(s), true, nil
		}
	}
	return Swap{}, false, nil
}

func (m *Memory) Scan(ctx context.Context, state State, fn func(s Swap) error) error {
	m.mu.RLock()
	var out []Swap
	for _, s := range m.swaps {
		if s.State == state {
			out = append(out, clone(s))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.Before(out[j].DispatchedAt) })
	for _, s := range out {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func clone(s Swap) Swap {
	s.AmountIn = asset.Copy(s.AmountIn)
	s.MinOut = asset.Copy(s.MinOut)
	return s
}
