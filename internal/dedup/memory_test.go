package dedup

import (
	"sync"
	"testing"
)

func TestMemory_Seen(t *testing.T) {
	d := NewMemory()

	if d.Seen("203.0.113.7") {
		t.Error("expected false for first occurrence")
	}
	if !d.Seen("203.0.113.7") {
		t.Error("expected true for second occurrence")
	}
	if d.Seen("198.51.100.1") {
		t.Error("expected false for new key")
	}
}

func TestMemory_Forget(t *testing.T) {
	d := NewMemory()
	d.Seen("a")
	d.Forget("a")
	if d.Seen("a") {
		t.Error("expected forgotten key to be new again")
	}
}

func TestMemory_Concurrent(t *testing.T) {
	d := NewMemory()
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.Seen("concurrent") {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firsts != 1 {
		t.Errorf("expected exactly 1 first occurrence, got %d", firsts)
	}
}

func BenchmarkMemory_Seen(b *testing.B) {
	d := NewMemory()
	for i := 0; i < b.N; i++ {
		d.Seen("benchmark")
	}
}
