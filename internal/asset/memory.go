package asset

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryLedger implements Ledger with in-memory balances. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal // asset → holder → balance
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]map[string]decimal.Decimal),
	}
}

// Mint credits a holder with new units of an asset.
func (l *MemoryLedger) Mint(asset, holder string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(asset, holder, amount)
}

func (l *MemoryLedger) Transfer(_ context.Context, asset, from, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}

	// Check and move under one lock: all-or-nothing.
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.balance(asset, from)
	if current.LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.balances[asset][from] = current.Sub(amount)
	l.credit(asset, to, amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, asset, holder string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(asset, holder), nil
}

// balance and credit assume l.mu is held.

func (l *MemoryLedger) balance(asset, holder string) decimal.Decimal {
	if holders, ok := l.balances[asset]; ok {
		return holders[holder]
	}
	return decimal.Zero
}

func (l *MemoryLedger) credit(asset, holder string, amount decimal.Decimal) {
	holders, ok := l.balances[asset]
	if !ok {
		holders = make(map[string]decimal.Decimal)
		l.balances[asset] = holders
	}
	holders[holder] = holders[holder].Add(amount)
}
