package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	d := NewDispatcher(nil)
	for i := 0; i < QueueCapacity; i++ {
		d.Enqueue(Event{Type: EventJobCompleted})
	}
	d.Enqueue(Event{Type: EventJobCompleted}) // should be dropped, not block or panic
	if len(d.queue) != QueueCapacity {
		t.Fatalf("queue depth = %d, want %d", len(d.queue), QueueCapacity)
	}
}

func TestRunDispatchesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher(nil)
	done := make(chan Event, 1)
	d.Register(EventLabDeleted, func(ctx context.Context, ev Event) error {
		done <- ev
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(Event{Type: EventLabDeleted, LabID: "lab-1"})

	select {
	case ev := <-done:
		if ev.LabID != "lab-1" {
			t.Fatalf("labID = %s, want lab-1", ev.LabID)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	if !d.Dirty() {
		t.Fatal("expected dirty flag set after a successful handler")
	}
}

func TestHandlerRetriesOnceBeforeBreakerCounts(t *testing.T) {
	d := NewDispatcher(nil)
	attempts := 0
	d.Register(EventJobFailed, func(ctx context.Context, ev Event) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go d.Run(ctx)
	d.Enqueue(Event{Type: EventJobFailed})

	time.Sleep(200 * time.Millisecond)
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one retry before breaker counts)", attempts)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	d := NewDispatcher(nil)
	calls := 0
	d.Register(EventAgentOffline, func(ctx context.Context, ev Event) error {
		calls++
		return errors.New("always fails")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go d.Run(ctx)

	for i := 0; i < 5; i++ {
		d.Enqueue(Event{Type: EventAgentOffline})
		time.Sleep(150 * time.Millisecond)
	}

	// Each dispatch retries once, so 3 consecutive-failure trips happen
	// well before 5 dispatches complete; once open, later dispatches skip
	// the handler without calling it, so calls grows slower than 2*attempts.
	if calls == 0 {
		t.Fatal("expected at least one handler invocation before the breaker opened")
	}
}
