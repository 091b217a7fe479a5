package asset

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestTransfer(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.Mint("USDC", "alice", d(100))

	if err := l.Transfer(ctx, "USDC", "alice", "bob", d(40)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got, _ := l.BalanceOf(ctx, "USDC", "alice"); !got.Equal(d(60)) {
		t.Errorf("alice: expected 60, got %s", got)
	}
	if got, _ := l.BalanceOf(ctx, "USDC", "bob"); !got.Equal(d(40)) {
		t.Errorf("bob: expected 40, got %s", got)
	}
}

func TestTransfer_Insufficient(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.Mint("USDC", "alice", d(10))

	err := l.Transfer(ctx, "USDC", "alice", "bob", d(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	// All-or-nothing: nothing moved.
	if got, _ := l.BalanceOf(ctx, "USDC", "alice"); !got.Equal(d(10)) {
		t.Errorf("alice: expected 10, got %s", got)
	}
	if got, _ := l.BalanceOf(ctx, "USDC", "bob"); !got.IsZero() {
		t.Errorf("bob: expected 0, got %s", got)
	}
}

func TestTransfer_ZeroIsNoop(t *testing.T) {
	l := NewMemoryLedger()
	// Neither holder exists; a zero transfer still succeeds.
	if err := l.Transfer(context.Background(), "USDC", "alice", "bob", decimal.Zero); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
}

func TestTransfer_Negative(t *testing.T) {
	l := NewMemoryLedger()
	if err := l.Transfer(context.Background(), "USDC", "alice", "bob", d(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBalanceOf_UnknownHolder(t *testing.T) {
	l := NewMemoryLedger()
	got, err := l.BalanceOf(context.Background(), "USDC", "nobody")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero for unknown holder, got %s", got)
	}
}

func TestBalances_PerAsset(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.Mint("USDC", "alice", d(100))
	l.Mint("WETH", "alice", d(5))

	if err := l.Transfer(ctx, "WETH", "alice", "bob", d(5)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got, _ := l.BalanceOf(ctx, "USDC", "alice"); !got.Equal(d(100)) {
		t.Errorf("USDC balance touched by WETH transfer: %s", got)
	}
}
