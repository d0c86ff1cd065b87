package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunAllCancelsSiblingsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	var cancelled atomic.Bool

	err := RunAll(context.Background(),
		Task{Name: "fails", Run: func(context.Context) error { return boom }},
		Task{Name: "waits", Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				return nil
			case <-time.After(time.Second):
				return nil
			}
		}},
		Task{Name: "nil"},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err.Error() != "fails: boom" {
		t.Fatalf("expected task name prefix, got %q", err.Error())
	}
	if !cancelled.Load() {
		t.Fatalf("expected sibling to observe cancellation")
	}
}

func TestRunAllNoTasks(t *testing.T) {
	if err := RunAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestForEachRespectsLimit(t *testing.T) {
	var (
		current int64
		maxSeen int64
		mu      sync.Mutex
		seen    []int
	)
	items := []int{1, 2, 3, 4, 5, 6}
	err := ForEach(context.Background(), items, 2, func(ctx context.Context, item int) error {
		active := atomic.AddInt64(&current, 1)
		defer atomic.AddInt64(&current, -1)
		for {
			max := atomic.LoadInt64(&maxSeen)
			if active <= max || atomic.CompareAndSwapInt64(&maxSeen, max, active) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach returned error: %v", err)
	}
	if maxSeen > 2 {
		t.Fatalf("expected max concurrency <= 2, observed %d", maxSeen)
	}
	if len(seen) != len(items) {
		t.Fatalf("expected %d items processed, got %d", len(items), len(seen))
	}
}
