// Package oracle defines the price-oracle adapter consumed at resolution
// time. The oracle is an external collaborator: it either returns a strictly
// positive price for a symbol pair or fails.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no positive price exists for a pair.
// Retry policy belongs to the caller; the engine never retries internally.
var ErrUnavailable = errors.New("oracle: price unavailable")

// Oracle supplies the settlement price for a base/quote symbol pair.
type Oracle interface {
	GetPrice(ctx context.Context, baseSymbol, quoteSymbol string) (decimal.Decimal, error)
}

// StaticOracle is an in-memory Oracle for testing and development. Prices
// are set explicitly and returned verbatim.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]decimal.Decimal)}
}

// SetPrice fixes the price for a symbol pair.
func (o *StaticOracle) SetPrice(baseSymbol, quoteSymbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[pairKey(baseSymbol, quoteSymbol)] = price
}

func (o *StaticOracle) GetPrice(_ context.Context, baseSymbol, quoteSymbol string) (decimal.Decimal, error) {
	o.mu.RLock()
	price, ok := o.prices[pairKey(baseSymbol, quoteSymbol)]
	o.mu.RUnlock()

	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrUnavailable, baseSymbol, quoteSymbol)
	}
	return price, nil
}

func pairKey(base, quote string) string { return base + "/" + quote }
