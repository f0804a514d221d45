package workflow

import (
	"sync"
	"testing"
)

func TestLockBatchPrunesIdleEntries(t *testing.T) {
	e := New(nil, nil)

	unlock := e.lockBatch("B-1")
	e.mu.Lock()
	held := len(e.locks)
	e.mu.Unlock()
	if held != 1 {
		t.Fatalf("expected one live lock entry, got %d", held)
	}
	unlock()

	e.mu.Lock()
	left := len(e.locks)
	e.mu.Unlock()
	if left != 0 {
		t.Fatalf("lock entry should be removed after release, %d left", left)
	}
}

func TestLockBatchSerializesAndDrains(t *testing.T) {
	e := New(nil, nil)

	const workers = 8
	const rounds = 50
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				unlock := e.lockBatch("B-1")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*rounds {
		t.Fatalf("lost increments under contention: got %d, want %d", counter, workers*rounds)
	}
	e.mu.Lock()
	left := len(e.locks)
	e.mu.Unlock()
	if left != 0 {
		t.Fatalf("lock map should drain once all holders release, %d left", left)
	}
}
