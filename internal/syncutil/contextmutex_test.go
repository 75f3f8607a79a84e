package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockContext_AcquireRelease(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "pi_100")
	if err != nil {
		t.Fatalf("LockContext: %v", err)
	}
	unlock()
}

func TestLockContext_SerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	// Plain increments under the lock; the race detector flags any
	// overlap and a lost update fails the count.
	counter := 0
	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "pi_shared")
			if err != nil {
				t.Errorf("LockContext: %v", err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
}

func TestLockContext_GivesUpWithContext(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "pi_held")
	if err != nil {
		t.Fatalf("LockContext: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.LockContext(ctx, "pi_held"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestLockContext_DistinctKeysDoNotBlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock1, err := m.LockContext(ctx, "pi_first")
	if err != nil {
		t.Fatalf("LockContext: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlock2, err := m.LockContext(timeoutCtx, "pi_second")
	if err != nil {
		// The two keys can legitimately land on one shard.
		t.Skip("keys share a shard")
	}

	unlock2()
	unlock1()
}

func TestLockContext_HandoffAfterUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "pi_relay")
	if err != nil {
		t.Fatalf("LockContext: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "pi_relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter got the lock while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never got the lock after release")
	}
}
