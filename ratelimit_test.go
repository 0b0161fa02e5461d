package slackseek

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGovernor_AllowsWithinLimit(t *testing.T) {
	g := NewGovernor(WithLimit("slack", "conversations.history", 3))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx, "slack", "conversations.history"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestGovernor_BlocksAtLimit(t *testing.T) {
	g := NewGovernor(WithLimit("slack", "conversations.history", 1))

	if err := g.Acquire(context.Background(), "slack", "conversations.history"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, "slack", "conversations.history")
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGovernor_WindowSlides(t *testing.T) {
	g := NewGovernor(
		WithLimit("slack", "users.info", 1),
		WithWindow(80*time.Millisecond),
	)

	if err := g.Acquire(context.Background(), "slack", "users.info"); err != nil {
		t.Fatal(err)
	}

	// Second acquire must wait for the first admission to slide out,
	// then succeed well before the 2s deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := g.Acquire(ctx, "slack", "users.info"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second acquire returned after %v, expected to wait for the window", elapsed)
	}
}

func TestGovernor_EndpointsAreIndependent(t *testing.T) {
	g := NewGovernor(
		WithLimit("slack", "conversations.history", 1),
		WithLimit("slack", "users.info", 1),
	)
	ctx := context.Background()

	if err := g.Acquire(ctx, "slack", "conversations.history"); err != nil {
		t.Fatal(err)
	}
	// Exhausting one endpoint must not block the other.
	if err := g.Acquire(ctx, "slack", "users.info"); err != nil {
		t.Fatalf("independent endpoint blocked: %v", err)
	}
}

func TestGovernor_DefaultLimitApplies(t *testing.T) {
	g := NewGovernor(WithDefaultLimit("slack", 1))

	if err := g.Acquire(context.Background(), "slack", "unlisted.method"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx, "slack", "unlisted.method"); err == nil {
		t.Fatal("default limit not enforced")
	}
}

func TestGovernor_UnconfiguredKeyAdmitsFreely(t *testing.T) {
	g := NewGovernor()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := g.Acquire(ctx, "openai", "embeddings"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestGovernor_NotifyRetryAfterHoldsAllCallers(t *testing.T) {
	g := NewGovernor(WithLimit("slack", "conversations.history", 100))
	g.NotifyRetryAfter("slack", "conversations.history", 150*time.Millisecond)

	start := time.Now()
	if err := g.Acquire(context.Background(), "slack", "conversations.history"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("acquire returned after %v, expected to honor the cooldown", elapsed)
	}
}

func TestGovernor_NotifyRetryAfterNeverShortens(t *testing.T) {
	g := NewGovernor(WithLimit("slack", "users.info", 100))
	g.NotifyRetryAfter("slack", "users.info", 200*time.Millisecond)
	g.NotifyRetryAfter("slack", "users.info", 10*time.Millisecond)

	start := time.Now()
	if err := g.Acquire(context.Background(), "slack", "users.info"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("acquire returned after %v, cooldown was shortened", elapsed)
	}
}

func TestGovernor_FIFOOrder(t *testing.T) {
	g := NewGovernor(
		WithLimit("slack", "conversations.history", 1),
		WithWindow(30*time.Millisecond),
	)

	// Fill the window so all waiters queue behind the first admission.
	if err := g.Acquire(context.Background(), "slack", "conversations.history"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := g.Acquire(context.Background(), "slack", "conversations.history"); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		// Stagger arrivals so queue order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("admission order %v, want FIFO", order)
		}
	}
}

func TestGovernor_TryAcquire(t *testing.T) {
	g := NewGovernor(WithLimit("mcp", "session", 2))

	if !g.TryAcquire("mcp", "session") {
		t.Fatal("first TryAcquire refused")
	}
	if !g.TryAcquire("mcp", "session") {
		t.Fatal("second TryAcquire refused")
	}
	if g.TryAcquire("mcp", "session") {
		t.Fatal("TryAcquire admitted beyond the limit")
	}
}

func TestGovernor_ForgetReleasesWindow(t *testing.T) {
	g := NewGovernor(WithDefaultLimit("mcp", 2))

	for range 2 {
		if !g.TryAcquire("mcp", "session-1") {
			t.Fatal("TryAcquire refused within the limit")
		}
	}
	if g.TryAcquire("mcp", "session-1") {
		t.Fatal("TryAcquire admitted beyond the limit")
	}

	// A retired key's window is dropped from the table entirely; re-using
	// the key starts a fresh window.
	g.Forget("mcp", "session-1")
	g.mu.Lock()
	n := len(g.windows)
	g.mu.Unlock()
	if n != 0 {
		t.Fatalf("windows retained after Forget: %d", n)
	}
	if !g.TryAcquire("mcp", "session-1") {
		t.Fatal("TryAcquire refused after Forget")
	}
}

func TestGovernor_ForgetUnknownKeyIsNoop(t *testing.T) {
	g := NewGovernor(WithDefaultLimit("mcp", 1))
	g.Forget("mcp", "never-seen")
	if !g.TryAcquire("mcp", "session-1") {
		t.Fatal("TryAcquire refused on an untouched key")
	}
}

func TestGovernor_TryAcquireRespectsCooldown(t *testing.T) {
	g := NewGovernor(WithLimit("mcp", "session", 10))
	g.NotifyRetryAfter("mcp", "session", time.Second)
	if g.TryAcquire("mcp", "session") {
		t.Fatal("TryAcquire admitted during cooldown")
	}
}

func TestGovernor_CancelledWaiterLeavesQueue(t *testing.T) {
	g := NewGovernor(WithLimit("slack", "conversations.history", 1), WithWindow(60*time.Millisecond))

	if err := g.Acquire(context.Background(), "slack", "conversations.history"); err != nil {
		t.Fatal(err)
	}

	// First waiter cancels; the second must still be admitted when the
	// window slides.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Acquire(ctx, "slack", "conversations.history") }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("cancelled waiter: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := g.Acquire(ctx2, "slack", "conversations.history"); err != nil {
		t.Fatalf("waiter after cancellation: %v", err)
	}
}
