// Package store defines the persistence interface for the off-chain mirror.
// The mirror consumes lifecycle events from the book and carries no
// settlement logic of its own. Implementations include PostgreSQL (source of
// truth for the mirror), Redis (read-through cache), and in-memory (for
// testing).
package store

import (
	"context"

	"github.com/optbook/options-engine/internal/model"
)

// Store is the mirror persistence interface.
type Store interface {
	// --- Option metadata snapshots ---

	// UpsertOption writes the latest metadata snapshot for an option.
	UpsertOption(ctx context.Context, meta *model.OptionMeta) error

	// GetOption retrieves the latest snapshot by option id.
	GetOption(ctx context.Context, id string) (*model.OptionMeta, error)

	// ListOptions returns all snapshots, newest first.
	ListOptions(ctx context.Context) ([]model.OptionMeta, error)

	// --- Immutable settlement records ---

	// InsertSettlement appends an immutable settlement record.
	InsertSettlement(ctx context.Context, rec *model.SettlementRecord) error

	// ListSettlements returns all settlement records for an option.
	ListSettlements(ctx context.Context, optionID string) ([]model.SettlementRecord, error)
}
