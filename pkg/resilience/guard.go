package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WessleyAI/shopsearch/pkg/fn"
	"golang.org/x/time/rate"
)

// GuardOpts configures a Guard.
type GuardOpts struct {
	// Every is the minimum spacing between calls; Burst allows short spikes.
	Every   time.Duration
	Burst   int
	Breaker BreakerOpts
}

// DefaultGuardOpts mirrors the limiter settings used for provider APIs.
var DefaultGuardOpts = GuardOpts{
	Every:   200 * time.Millisecond,
	Burst:   5,
	Breaker: DefaultBreakerOpts,
}

// Guard rate-limits and circuit-breaks calls to one provider.
type Guard struct {
	limiter *rate.Limiter
	breaker *Breaker
}

// NewGuard creates a guard.
func NewGuard(opts GuardOpts) *Guard {
	if opts.Every <= 0 {
		opts.Every = DefaultGuardOpts.Every
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultGuardOpts.Burst
	}
	return &Guard{
		limiter: rate.NewLimiter(rate.Every(opts.Every), opts.Burst),
		breaker: NewBreaker(opts.Breaker),
	}
}

// Breaker exposes the guard's breaker.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do waits for a token and runs f through the breaker.
func (g *Guard) Do(ctx context.Context, f func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("resilience: wait: %w", err)
	}
	return g.breaker.Call(ctx, f)
}

// Guarded is Do for calls returning a value.
func Guarded[T any](ctx context.Context, g *Guard, f func(context.Context) (T, error)) fn.Result[T] {
	if err := g.limiter.Wait(ctx); err != nil {
		return fn.Err[T](fmt.Errorf("resilience: wait: %w", err))
	}
	return CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[T] {
		return fn.FromPair(f(ctx))
	})
}

// Group lazily creates one guard per key.
type Group struct {
	mu     sync.Mutex
	opts   GuardOpts
	guards map[string]*Guard
}

// NewGroup creates a guard group sharing opts.
func NewGroup(opts GuardOpts) *Group {
	return &Group{opts: opts, guards: make(map[string]*Guard)}
}

// Get returns the guard for key.
func (g *Group) Get(key string) *Guard {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gd, ok := g.guards[key]; ok {
		return gd
	}
	opts := g.opts
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = key
	}
	gd := NewGuard(opts)
	g.guards[key] = gd
	return gd
}
