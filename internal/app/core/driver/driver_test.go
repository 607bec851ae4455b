package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/storage/memory"
)

func TestLoopTicksEveryLab(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if _, err := store.CreateLab(ctx, lab.Lab{ID: "lab-1", Owner: "u1"}); err != nil {
		t.Fatalf("CreateLab lab-1: %v", err)
	}
	if _, err := store.CreateLab(ctx, lab.Lab{ID: "lab-2", Owner: "u1"}); err != nil {
		t.Fatalf("CreateLab lab-2: %v", err)
	}

	var mu sync.Mutex
	seen := map[string]int{}

	l := New("test-loop", store, 10*time.Millisecond, func(ctx context.Context, labID string) error {
		mu.Lock()
		seen[labID]++
		mu.Unlock()
		return nil
	}, nil)

	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen["lab-1"] == 0 || seen["lab-2"] == 0 {
		t.Fatalf("expected both labs to be ticked at least once, got %v", seen)
	}
}

func TestLoopStopIsIdempotentAfterStart(t *testing.T) {
	store := memory.New()
	l := New("test-loop", store, time.Hour, func(ctx context.Context, labID string) error { return nil }, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
