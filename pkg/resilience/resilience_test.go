package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WessleyAI/shopsearch/pkg/fn"
)

var errOutage = errors.New("outage")

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(context.Context) error { return errOutage })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	if err := b.Call(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerIgnoresUncountedErrors(t *testing.T) {
	badRequest := errors.New("bad request")
	b := NewBreaker(BreakerOpts{
		FailThreshold: 2,
		Counts:        func(err error) bool { return errors.Is(err, errOutage) },
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, func(context.Context) error { return badRequest })
	}
	if b.State() != StateClosed {
		t.Fatalf("bad requests should not trip, got %v", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errOutage })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	now = now.Add(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	r := CallResult(b, ctx, func(context.Context) fn.Result[int] { return fn.Ok(1) })
	if v, err := r.Unwrap(); err != nil || v != 1 {
		t.Fatalf("got %v %v", v, err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestGuardedPassesValue(t *testing.T) {
	g := NewGuard(GuardOpts{Every: time.Millisecond, Burst: 1})
	r := Guarded(context.Background(), g, func(context.Context) (string, error) { return "ok", nil })
	if v, err := r.Unwrap(); err != nil || v != "ok" {
		t.Fatalf("got %q %v", v, err)
	}
}

func TestGuardWaitHonorsContext(t *testing.T) {
	g := NewGuard(GuardOpts{Every: time.Hour, Burst: 1})
	ctx := context.Background()
	_ = g.Do(ctx, func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	called := false
	err := g.Do(ctx, func(context.Context) error { called = true; return nil })
	if err == nil || called {
		t.Fatalf("expected wait failure, got %v (called=%v)", err, called)
	}
}

func TestGroupReusesGuards(t *testing.T) {
	grp := NewGroup(DefaultGuardOpts)
	if grp.Get("amazon") != grp.Get("amazon") {
		t.Fatal("same key should return the same guard")
	}
	if grp.Get("amazon") == grp.Get("fanatics") {
		t.Fatal("different keys should not share a guard")
	}
}
