package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/optbook/options-engine/internal/book"
	"github.com/optbook/options-engine/internal/option"
)

// Resolver periodically fixes the oracle price for options that are past
// expiry but still unresolved. This is a mirror convenience, not a
// correctness requirement: the core is always safe to resolve late, and
// settlement still needs the long or short to act.
type Resolver struct {
	book     *book.Book
	interval time.Duration
}

// NewResolver creates a resolver that sweeps at the given interval.
func NewResolver(b *book.Book, interval time.Duration) *Resolver {
	return &Resolver{book: b, interval: interval}
}

// Run sweeps until the context is cancelled. Call in a goroutine.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Resolver) sweep(ctx context.Context) {
	now := time.Now()
	for _, meta := range r.book.GetAllOptionMetadata() {
		if !meta.Active() || meta.Resolved || now.Before(meta.Expiry) {
			continue
		}
		price, err := r.book.Resolve(ctx, meta.ID)
		switch {
		case err == nil:
			slog.Info("auto-resolved option", "id", meta.ID, "price", price.String())
		case errors.Is(err, option.ErrAlreadyResolved), errors.Is(err, option.ErrTooEarly):
			// Lost a race with a user-triggered resolution or a clock edge.
		default:
			// Oracle outages and the like: the next sweep retries.
			slog.Warn("auto-resolve failed", "id", meta.ID, "err", err)
		}
	}
}
