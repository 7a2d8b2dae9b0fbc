package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T) (*Limiter, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.SetClock(clock.Now)

	limiter := NewLimiter(store, Config{
		Prefix: "test",
		Clients: map[string]Limit{
			"limited":   {MaxAttempts: intPtr(3), Decay: time.Minute},
			"zero":      {MaxAttempts: intPtr(0), Decay: time.Minute},
			"unlimited": {},
		},
	}, zerolog.Nop())
	return limiter, store, clock
}

func TestLimiter_Key(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	if got, want := limiter.Key("openai"), "test:rate-limit:openai"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	def := NewLimiter(NewMemoryStore(), Config{}, zerolog.Nop())
	if got, want := def.Key("openai"), "api-cache:rate-limit:openai"; got != want {
		t.Errorf("Key() with default prefix = %q, want %q", got, want)
	}
}

func TestLimiter_RemainingDecreases(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for n := 0; n <= 3; n++ {
		got, err := limiter.RemainingAttempts(ctx, "limited")
		if err != nil {
			t.Fatalf("RemainingAttempts() error = %v", err)
		}
		if got != 3-n {
			t.Errorf("after %d increments RemainingAttempts() = %d, want %d", n, got, 3-n)
		}
		allowed, err := limiter.AllowRequest(ctx, "limited")
		if err != nil {
			t.Fatalf("AllowRequest() error = %v", err)
		}
		if allowed != (n < 3) {
			t.Errorf("after %d increments AllowRequest() = %v, want %v", n, allowed, n < 3)
		}
		if n < 3 {
			if err := limiter.IncrementAttempts(ctx, "limited", 1); err != nil {
				t.Fatalf("IncrementAttempts() error = %v", err)
			}
		}
	}
}

func TestLimiter_IncrementBeyondLimit(t *testing.T) {
	limiter, store, _ := newTestLimiter(t)
	ctx := context.Background()

	if err := limiter.IncrementAttempts(ctx, "limited", 5); err != nil {
		t.Fatalf("IncrementAttempts() error = %v", err)
	}
	count, _ := store.Get(ctx, limiter.Key("limited"))
	if count != 5 {
		t.Errorf("stored attempts = %d, want 5", count)
	}
	got, _ := limiter.RemainingAttempts(ctx, "limited")
	if got != 0 {
		t.Errorf("RemainingAttempts() = %d, want 0", got)
	}
}

func TestLimiter_IncrementInvalidAmount(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	if err := limiter.IncrementAttempts(context.Background(), "limited", 0); err == nil {
		t.Error("IncrementAttempts(0) expected error")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter, store, _ := newTestLimiter(t)
	ctx := context.Background()

	for _, client := range []string{"unlimited", "not-configured"} {
		for i := 0; i < 10; i++ {
			if err := limiter.IncrementAttempts(ctx, client, 1); err != nil {
				t.Fatalf("IncrementAttempts() error = %v", err)
			}
		}
		got, err := limiter.RemainingAttempts(ctx, client)
		if err != nil {
			t.Fatalf("RemainingAttempts() error = %v", err)
		}
		if got != Unlimited {
			t.Errorf("RemainingAttempts(%q) = %d, want Unlimited", client, got)
		}
		allowed, _ := limiter.AllowRequest(ctx, client)
		if !allowed {
			t.Errorf("AllowRequest(%q) = false, want true", client)
		}
		count, _ := store.Get(ctx, limiter.Key(client))
		if count != 0 {
			t.Errorf("counter for %q = %d, want untouched", client, count)
		}
	}
}

func TestLimiter_ZeroMaxAttempts(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	allowed, err := limiter.AllowRequest(context.Background(), "zero")
	if err != nil {
		t.Fatalf("AllowRequest() error = %v", err)
	}
	if allowed {
		t.Error("AllowRequest() = true for max_attempts 0")
	}
}

func TestLimiter_AvailableIn(t *testing.T) {
	limiter, _, clock := newTestLimiter(t)
	ctx := context.Background()

	got, err := limiter.AvailableIn(ctx, "limited")
	if err != nil {
		t.Fatalf("AvailableIn() error = %v", err)
	}
	if got != 0 {
		t.Errorf("AvailableIn() before any attempt = %v, want 0", got)
	}

	if err := limiter.IncrementAttempts(ctx, "limited", 3); err != nil {
		t.Fatalf("IncrementAttempts() error = %v", err)
	}
	clock.Advance(20 * time.Second)

	got, err = limiter.AvailableIn(ctx, "limited")
	if err != nil {
		t.Fatalf("AvailableIn() error = %v", err)
	}
	if got != 40*time.Second {
		t.Errorf("AvailableIn() = %v, want 40s", got)
	}
}

func TestLimiter_WindowExpires(t *testing.T) {
	limiter, _, clock := newTestLimiter(t)
	ctx := context.Background()

	if err := limiter.IncrementAttempts(ctx, "limited", 3); err != nil {
		t.Fatalf("IncrementAttempts() error = %v", err)
	}
	// Later increments must not extend the window.
	clock.Advance(30 * time.Second)
	if err := limiter.IncrementAttempts(ctx, "limited", 1); err != nil {
		t.Fatalf("IncrementAttempts() error = %v", err)
	}
	clock.Advance(30 * time.Second)

	got, _ := limiter.RemainingAttempts(ctx, "limited")
	if got != 3 {
		t.Errorf("RemainingAttempts() after window = %d, want 3", got)
	}
}

func TestLimiter_Clear(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	if err := limiter.IncrementAttempts(ctx, "limited", 3); err != nil {
		t.Fatalf("IncrementAttempts() error = %v", err)
	}
	if err := limiter.Clear(ctx, "limited"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, _ := limiter.RemainingAttempts(ctx, "limited")
	if got != 3 {
		t.Errorf("RemainingAttempts() after Clear = %d, want 3", got)
	}
}

func TestLimiter_ClearUnlimited(t *testing.T) {
	limiter, store, _ := newTestLimiter(t)
	ctx := context.Background()

	key := limiter.Key("unlimited")
	if _, err := store.Increment(ctx, key, 5, time.Minute); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if err := limiter.Clear(ctx, "unlimited"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := store.Get(ctx, key); got != 5 {
		t.Errorf("counter after Clear = %d, want 5 (untouched)", got)
	}
}

func TestLimiter_State(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	if err := limiter.IncrementAttempts(ctx, "limited", 2); err != nil {
		t.Fatalf("IncrementAttempts() error = %v", err)
	}
	state, err := limiter.State(ctx, "limited")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Attempts != 2 || state.Remaining != 1 {
		t.Errorf("State() = attempts %d remaining %d, want 2 and 1", state.Attempts, state.Remaining)
	}
	if state.ResetAt.IsZero() {
		t.Error("State().ResetAt is zero with an open window")
	}

	state, err = limiter.State(ctx, "unlimited")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !state.IsUnlimited() || state.IsLimited() {
		t.Errorf("State(unlimited) = %+v, want unlimited", state)
	}
}

func TestLimiter_ConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, Config{
		Clients: map[string]Limit{"busy": {MaxAttempts: intPtr(1000), Decay: time.Minute}},
	}, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = limiter.IncrementAttempts(ctx, "busy", 1)
			}
		}()
	}
	wg.Wait()

	count, _ := store.Get(ctx, limiter.Key("busy"))
	if count != 500 {
		t.Errorf("attempts = %d, want 500", count)
	}
}
