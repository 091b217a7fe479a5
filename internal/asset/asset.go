// Package asset defines the token-ledger adapter consumed by the options
// engine. The ledger is an external collaborator: every transfer either
// succeeds fully or fails atomically — there are no partial transfers.
package asset

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when the sender cannot cover the
	// transfer amount.
	ErrInsufficientBalance = errors.New("asset: insufficient balance")

	// ErrInvalidAmount is returned for a negative transfer amount.
	ErrInvalidAmount = errors.New("asset: transfer amount must not be negative")
)

// Ledger moves collateral, premium and settlement amounts between holders.
// Implementations must guarantee all-or-nothing semantics per call.
type Ledger interface {
	// Transfer moves amount of asset from one holder to another.
	// A zero amount is a no-op.
	Transfer(ctx context.Context, asset, from, to string, amount decimal.Decimal) error

	// BalanceOf returns the holder's balance for an asset.
	BalanceOf(ctx context.Context, asset, holder string) (decimal.Decimal, error)
}
