package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHooksRunInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		h.OnShutdown(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := h.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Fatalf("hook order %v, want [3 2 1]", order)
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
}

func TestLastErrorWins(t *testing.T) {
	h := NewHandler(time.Second)

	errA := errors.New("a")
	errB := errors.New("b")
	h.OnShutdown(func(context.Context) error { return errA })
	h.OnShutdown(func(context.Context) error { return errB })

	// Hooks run in reverse order, so errA is the last failure reported.
	if err := h.Trigger(); !errors.Is(err, errA) {
		t.Fatalf("Trigger returned %v, want %v", err, errA)
	}
}
