package storage

import (
	"context"
	"errors"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// ErrNotFound indicates the party id has no persisted record.
var ErrNotFound = errors.New("storage: party not found")

// PartyStore is the key-value persistence contract of the directory.
//
// Implementations must be safe for concurrent use; the directory calls
// Save/Delete from per-party critical sections that may run in parallel
// for unrelated parties.
type PartyStore interface {
	// Load retrieves a persisted party. Returns ErrNotFound for unknown ids.
	Load(ctx context.Context, id domain.PartyID) (*domain.Party, error)

	// Save writes the full party record, replacing any previous version.
	Save(ctx context.Context, p *domain.Party) error

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id domain.PartyID) error

	// LoadAll streams every persisted party, used for startup recovery.
	LoadAll(ctx context.Context) ([]*domain.Party, error)

	// Close releases the underlying engine.
	Close() error
}
