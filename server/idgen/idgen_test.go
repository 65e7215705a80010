package idgen

import (
	"regexp"
	"sync"
	"testing"
)

var idPattern = regexp.MustCompile(`^[a-z2-7]+$`)

func TestNew(t *testing.T) {
	id := New()

	if len(id) != 20 {
		t.Errorf("Expected ID length to be 20, got %d", len(id))
	}
	if !idPattern.MatchString(id) {
		t.Errorf("ID format does not match expected pattern: %s", id)
	}
}

func TestNewUIDL(t *testing.T) {
	uidl := NewUIDL()

	if len(uidl) != 32 {
		t.Errorf("Expected UIDL length to be 32, got %d", len(uidl))
	}
	if !idPattern.MatchString(uidl) {
		t.Errorf("UIDL format does not match expected pattern: %s", uidl)
	}
}

func TestUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines*perGoroutine*2)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perGoroutine*2)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, New(), NewUIDL())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
}
