package cmap

import (
	"sync"
	"testing"
)

func TestMap_SetGet(t *testing.T) {
	m := New[uint32, string]()

	m.Set(1, "alpha")
	m.Set(2, "beta")

	v, ok := m.Get(1)
	if !ok || v != "alpha" {
		t.Errorf("Get(1) = (%q, %v), want (alpha, true)", v, ok)
	}
	if _, ok := m.Get(99); ok {
		t.Error("Get(99) should report missing")
	}
}

func TestMap_SetIfAbsent(t *testing.T) {
	m := New[string, int]()

	if !m.SetIfAbsent("a", 1) {
		t.Error("first SetIfAbsent should store")
	}
	if m.SetIfAbsent("a", 2) {
		t.Error("second SetIfAbsent should not store")
	}
	if v, _ := m.Get("a"); v != 1 {
		t.Errorf("Get(a) = %d, want 1", v)
	}
}

func TestMap_Pop(t *testing.T) {
	m := New[uint32, int]()
	m.Set(7, 70)

	v, ok := m.Pop(7)
	if !ok || v != 70 {
		t.Errorf("Pop(7) = (%d, %v), want (70, true)", v, ok)
	}
	if m.Has(7) {
		t.Error("key should be gone after Pop")
	}
	if _, ok := m.Pop(7); ok {
		t.Error("second Pop should report missing")
	}
}

func TestMap_Count(t *testing.T) {
	m := NewWithShards[int, int](8)
	for i := 0; i < 100; i++ {
		m.Set(i, i)
	}
	if m.Count() != 100 {
		t.Errorf("Count() = %d, want 100", m.Count())
	}

	m.Clear()
	if m.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", m.Count())
	}
}

func TestMap_InvalidShardCount(t *testing.T) {
	// Non-power-of-two counts fall back to the default.
	m := NewWithShards[int, int](7)
	m.Set(1, 1)
	if v, _ := m.Get(1); v != 1 {
		t.Error("map with fallback shard count should still work")
	}
}

func TestMap_Concurrent(t *testing.T) {
	m := New[int, int]()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := base*100 + i
				m.Set(k, k)
				if v, ok := m.Get(k); !ok || v != k {
					t.Errorf("Get(%d) = (%d, %v)", k, v, ok)
				}
			}
		}(g)
	}
	wg.Wait()

	if m.Count() != 800 {
		t.Errorf("Count() = %d, want 800", m.Count())
	}
}

func TestMap_Range(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 10; i++ {
		m.Set(i, i*10)
	}

	sum := 0
	m.Range(func(_ int, v int) bool {
		sum += v
		return true
	})
	if sum != 450 {
		t.Errorf("Range sum = %d, want 450", sum)
	}

	// Early stop.
	visited := 0
	m.Range(func(_ int, _ int) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("Range with early stop visited %d, want 1", visited)
	}

	if got := len(m.Keys()); got != 10 {
		t.Errorf("len(Keys()) = %d, want 10", got)
	}
	if got := len(m.Values()); got != 10 {
		t.Errorf("len(Values()) = %d, want 10", got)
	}
}
