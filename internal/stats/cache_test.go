package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCache_EmptyThenPopulated(t *testing.T) {
	c := NewCache()

	if _, ok := c.Load(); ok {
		t.Fatal("Load() ok = true on empty cache")
	}
	if _, ok := c.Age(time.Now()); ok {
		t.Fatal("Age() ok = true on empty cache")
	}

	computed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Store(&Snapshot{ComputedAt: computed})
	c.Store(nil)

	s, ok := c.Load()
	if !ok || !s.ComputedAt.Equal(computed) {
		t.Fatalf("Load() = %v, %v", s, ok)
	}
	if age, _ := c.Age(computed.Add(time.Hour)); age != time.Hour {
		t.Errorf("Age() = %v, want 1h", age)
	}
}

func TestCache_ConcurrentReplace(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Store(&Snapshot{Summary: Windowed[Summary]{All: Summary{TotalPlays: i}}})
		}(i)
		go func() {
			defer wg.Done()
			if s, ok := c.Load(); ok && s == nil {
				t.Error("Load() returned ok with nil snapshot")
			}
		}()
	}
	wg.Wait()

	if _, ok := c.Load(); !ok {
		t.Error("Load() ok = false after stores")
	}
}

func TestCache_KeepsNewerSnapshot(t *testing.T) {
	c := NewCache()
	older := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	c.Store(&Snapshot{ComputedAt: newer})
	c.Store(&Snapshot{ComputedAt: older})

	s, _ := c.Load()
	if !s.ComputedAt.Equal(newer) {
		t.Errorf("Load().ComputedAt = %v, want %v", s.ComputedAt, newer)
	}

	c.Store(&Snapshot{ComputedAt: newer.Add(time.Minute)})
	if s, _ := c.Load(); !s.ComputedAt.Equal(newer.Add(time.Minute)) {
		t.Errorf("Load().ComputedAt = %v, want a later snapshot to replace", s.ComputedAt)
	}
}
