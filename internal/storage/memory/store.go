// Package memory provides an in-memory PartyStore for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"sync"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/storage"
)

// Store is an in-memory PartyStore. Parties are deep-copied on the way
// in and out so callers cannot alias stored state.
type Store struct {
	mu      sync.RWMutex
	parties map[domain.PartyID]*domain.Party
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{parties: make(map[domain.PartyID]*domain.Party)}
}

// Load retrieves a stored party.
func (s *Store) Load(ctx context.Context, id domain.PartyID) (*domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.parties[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// Save stores a copy of the party.
func (s *Store) Save(ctx context.Context, p *domain.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parties[p.ID] = p.Clone()
	return nil
}

// Delete removes a party. Deleting an absent party is not an error.
func (s *Store) Delete(ctx context.Context, id domain.PartyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.parties, id)
	return nil
}

// LoadAll returns copies of every stored party.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parties := make([]*domain.Party, 0, len(s.parties))
	for _, p := range s.parties {
		parties = append(parties, p.Clone())
	}
	return parties, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
