package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/amirphl/limit-escrow/internal/asset"
)

// Memory is an in-process ledger. Every operation is all-or-nothing.
type Memory struct {
	mu       sync.RWMutex
	custody  Address
	balances map[Address]map[asset.ID]*big.Int
}

var (
	_ Ledger     = (*Memory)(nil)
	_ Transferer = (*Memory)(nil)
)

func NewMemory(custody Address) *Memory {
	return &Memory{
		custody:  custody,
		balances: make(map[Address]map[asset.ID]*big.Int),
	}
}

func (m *Memory) Custody() Address { return m.custody }

// Mint creates amount of id out of thin air in the given account.
func (m *Memory) Mint(addr Address, id asset.ID, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(addr, id)
	bal.Add(bal, amount)
}

func (m *Memory) DebitFromCaller(ctx context.Context, call Call) (asset.Payment, error) {
	if len(call.Payments) != 1 {
		return asset.Payment{}, Error.New("expected a single fungible transfer, got %d", len(call.Payments))
	}
	p := call.Payments[0]
	if err := p.Validate(); err != nil {
		return asset.Payment{}, Error.Wrap(err)
	}
	if err := m.Transfer(ctx, call.Caller, m.custody, p.Asset, p.Amount); err != nil {
		return asset.Payment{}, err
	}
	return asset.Payment{Asset: p.Asset, Amount: asset.Copy(p.Amount)}, nil
}

func (m *Memory) Credit(ctx context.Context, to Address, id asset.ID, amount *big.Int) error {
	return m.Transfer(ctx, m.custody, to, id, amount)
}

func (m *Memory) BalanceOf(ctx context.Context, id asset.ID) (*big.Int, error) {
	return m.BalanceOfAccount(m.custody, id), nil
}

// BalanceOfAccount returns a copy of the balance of id held by addr.
func (m *Memory) BalanceOfAccount(addr Address, id asset.ID) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acct, ok := m.balances[addr]; ok {
		if bal, ok := acct[id]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return new(big.Int)
}

func (m *Memory) Transfer(ctx context.Context, from, to Address, id asset.ID, amount *big.Int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if amount == nil || amount.Sign() < 0 {
		return Error.New("invalid transfer amount %v", amount)
	}
	if to == "" {
		return Error.New("empty destination address")
	}
	if amount.Sign() == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.balanceLocked(from, id)
	if src.Cmp(amount) < 0 {
		return Error.Wrap(ErrInsufficientFunds)
	}
	dst := m.balanceLocked(to, id)
	src.Sub(src, amount)
	dst.Add(dst, amount)
	return nil
}

func (m *Memory) balanceLocked(addr Address, id asset.ID) *big.Int {
	acct, ok := m.balances[addr]
	if !ok {
		acct = make(map[asset.ID]*big.Int)
		m.balances[addr] = acct
	}
	bal, ok := acct[id]
	if !ok {
		bal = new(big.Int)
		acct[id] = bal
	}
	return bal
}
