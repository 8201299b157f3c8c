package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ravengrove/partymesh/internal/core/domain"
	"github.com/ravengrove/partymesh/internal/storage"
)

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	leader := &domain.MemberRef{AccountID: 1, CharID: 2, Name: "ayla", Level: 40, Online: true}
	p, err := domain.NewParty(1, "chrono", leader)
	if err != nil {
		t.Fatalf("NewParty: %v", err)
	}

	if err := s.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "chrono" {
		t.Fatalf("loaded name %q", got.Name)
	}

	// Mutating the loaded copy must not change stored state.
	got.Name = "mutated"
	again, _ := s.Load(ctx, 1)
	if again.Name != "chrono" {
		t.Fatal("store aliases returned party")
	}

	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Load after delete: got %v", err)
	}
	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestStoreLoadAll(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := domain.PartyID(1); i <= 3; i++ {
		leader := &domain.MemberRef{AccountID: domain.AccountID(i), CharID: domain.CharID(i), Name: "m", Level: 10, Online: true}
		p, err := domain.NewParty(i, "guild", leader)
		if err != nil {
			t.Fatalf("NewParty: %v", err)
		}
		if err := s.Save(ctx, p); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	all, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("LoadAll returned %d, want 3", len(all))
	}
}
