package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestTypedIDGeneration(t *testing.T) {
	instID := NewInstanceID()
	subID := NewSubscriptionID()

	if !strings.HasPrefix(string(instID), "inst_") {
		t.Errorf("InstanceID should start with 'inst_', got: %s", instID)
	}
	if !strings.HasPrefix(string(subID), "sub_") {
		t.Errorf("SubscriptionID should start with 'sub_', got: %s", subID)
	}

	parts := strings.Split(string(instID), "_")
	if len(parts) != 2 || len(parts[1]) != 26 {
		t.Errorf("InstanceID should have format 'inst_<26-char ulid>', got: %s", instID)
	}
}

func TestRequestCounterMonotonic(t *testing.T) {
	c := NewRequestCounter("h")

	if got := c.Next(); got != "h-1" {
		t.Errorf("first id = %q, want h-1", got)
	}
	if got := c.Next(); got != "h-2" {
		t.Errorf("second id = %q, want h-2", got)
	}
}

func TestRequestCounterConcurrent(t *testing.T) {
	c := NewRequestCounter("h")

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	ids := make(chan string, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- c.Next()
			}
		}()
	}

	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate correlation id: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != goroutines*perGoroutine {
		t.Errorf("expected %d unique ids, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestDefaultGenerator(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() should return the same instance")
	}
}
