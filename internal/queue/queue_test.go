package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := New(context.Background(), 16)
	defer q.Shutdown()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		q.Enqueue(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			if len(order) == 10 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue did not drain")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestRunSyncBypassesFIFO(t *testing.T) {
	q := New(context.Background(), 16)
	defer q.Shutdown()

	blocked := make(chan struct{})
	release := make(chan struct{})
	q.Enqueue(func(ctx context.Context) {
		close(blocked)
		<-release
	})
	<-blocked

	// The consumer is parked inside the first task; RunSync must still
	// execute immediately on this goroutine.
	ran := false
	q.RunSync(func() { ran = true })
	if !ran {
		t.Fatal("RunSync did not execute immediately")
	}
	close(release)
}

func TestShutdownStopsConsumer(t *testing.T) {
	q := New(context.Background(), 1)
	q.Shutdown()
	// Enqueue after shutdown is dropped, not deadlocked.
	q.Enqueue(func(ctx context.Context) { t.Fatal("task ran after shutdown") })
	time.Sleep(10 * time.Millisecond)
}
