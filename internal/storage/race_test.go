package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Race condition tests (run with -race flag)
// ---------------------------------------------------------------------------

// TestRace_ConcurrentSaveLoadDelete hammers one store from several
// goroutines. Each goroutine owns its own id range, so the assertions are
// deterministic even though the store is shared.
func TestRace_ConcurrentSaveLoadDelete(t *testing.T) {
	base := t.TempDir()
	s, err := Open(filepath.Join(base, "queue"), filepath.Join(base, "state"), "race")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const goroutines = 8
	const perGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				recordID := fmt.Sprintf("g%02d-i%03d", id, i)
				s.SaveRecord(recordID, []byte(fmt.Sprintf(`{"g":%d,"i":%d}`, id, i)))
				if _, err := s.LoadRecord(recordID); err != nil {
					t.Errorf("LoadRecord(%s): %v", recordID, err)
				}
				if i%2 == 0 {
					if err := s.DeleteRecord(recordID); err != nil {
						t.Errorf("DeleteRecord(%s): %v", recordID, err)
					}
				}
			}
		}(g)
	}
	wg.Wait()

	s.FlushPendingWrites()

	// Odd-numbered records survive: half of each goroutine's range.
	want := goroutines * perGoroutine / 2
	if got := s.Count(); got != want {
		t.Errorf("Count = %d, expected %d", got, want)
	}
}

// TestRace_BarrierDuringSaves runs FlushPendingWrites concurrently with a
// stream of saves.
func TestRace_BarrierDuringSaves(t *testing.T) {
	base := t.TempDir()
	s, err := Open(filepath.Join(base, "queue"), filepath.Join(base, "state"), "race")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			s.SaveRecord(fmt.Sprintf("b-%04d", i), []byte(`{}`))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations/10; i++ {
			s.FlushPendingWrites()
		}
	}()

	wg.Wait()
	s.FlushPendingWrites()

	if got := s.Count(); got != iterations {
		t.Errorf("Count = %d, expected %d", got, iterations)
	}
}

// TestRace_ListWhileMutating verifies readers see consistent snapshots.
func TestRace_ListWhileMutating(t *testing.T) {
	base := t.TempDir()
	s, err := Open(filepath.Join(base, "queue"), filepath.Join(base, "state"), "race")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			s.SaveRecord(fmt.Sprintf("m-%04d", i), []byte(`{}`))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			ids := s.ListRecordIDs()
			if len(ids) > iterations {
				t.Errorf("snapshot larger than total saves: %d", len(ids))
			}
			_ = s.Count()
		}
	}()

	wg.Wait()
}
