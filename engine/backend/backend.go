// Package backend implements the commerce providers a search session can
// query. Every variant satisfies Backend; Registry selects one by platform.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/WessleyAI/shopsearch/engine/advisor"
	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/credentials"
	"github.com/WessleyAI/shopsearch/pkg/fn"
	"github.com/WessleyAI/shopsearch/pkg/resilience"
)

// Backend is one commerce provider.
type Backend interface {
	Platform() domain.Platform
	// PrepareConfig picks provider parameters for a phrase. It never fails;
	// an unusable model reply yields the variant default.
	PrepareConfig(ctx context.Context, phrase, feedback string) domain.PlatformConfig
	Search(ctx context.Context, phrase string, cfg domain.PlatformConfig, credentialID string) (Result, error)
	AssessQuality(ctx context.Context, products []domain.Product, phrase string) float64
	SuggestNext(ctx context.Context, in advisor.Input) advisor.Advice
}

// Result is the normalized outcome of one Search.
type Result struct {
	Platform domain.Platform
	Products []domain.Product
	Pages    int
}

// Count is the number of products found.
func (r Result) Count() int { return len(r.Products) }

// Model is the JSON-mode language model used for config selection.
type Model interface {
	ChatJSON(ctx context.Context, system, user string, out any) error
}

// Scorer rates a result set.
type Scorer interface {
	Score(ctx context.Context, platform domain.Platform, products []domain.Product, phrase string) float64
}

// Strategist suggests the next step of a session.
type Strategist interface {
	Advise(ctx context.Context, in advisor.Input) advisor.Advice
}

// Credentials resolves account sets.
type Credentials interface {
	Resolve(platform, id string) (credentials.Values, error)
}

// Deps are shared by every variant.
type Deps struct {
	Model       Model
	Quality     Scorer
	Advisor     Strategist
	Credentials Credentials
	// Guards holds one rate limiter and breaker per platform.
	Guards *resilience.Group
	Client *http.Client
	// Retry wraps each page fetch.
	Retry fn.RetryOpts
	// PagePause is the blocking pause between page fetches.
	PagePause time.Duration
	// Sleep waits between pages; tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Guards == nil {
		opts := resilience.DefaultGuardOpts
		opts.Breaker.Counts = domain.IsTransient
		opts.Breaker.Logger = d.Logger
		d.Guards = resilience.NewGroup(opts)
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = fn.ProviderRetry
	}
	d.Retry.Retryable = domain.IsTransient
	d.Retry.Classify = domain.ErrorClass
	d.Retry.Logger = d.Logger
	if d.PagePause == 0 {
		d.PagePause = time.Second
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	if d.Credentials == nil {
		d.Credentials = credentials.Default()
	}
	return d
}

// base carries what every variant shares.
type base struct {
	platform domain.Platform
	deps     Deps
	logger   *slog.Logger
}

func newBase(p domain.Platform, deps Deps) base {
	deps = deps.withDefaults()
	return base{platform: p, deps: deps, logger: deps.Logger.With("platform", string(p))}
}

// Platform returns the variant tag.
func (b *base) Platform() domain.Platform { return b.platform }

// AssessQuality delegates to the shared assessor.
func (b *base) AssessQuality(ctx context.Context, products []domain.Product, phrase string) float64 {
	if b.deps.Quality == nil {
		return float64(min(len(products), 20)) / 20
	}
	return b.deps.Quality.Score(ctx, b.platform, products, phrase)
}

// SuggestNext delegates to the shared advisor.
func (b *base) SuggestNext(ctx context.Context, in advisor.Input) advisor.Advice {
	if b.deps.Advisor == nil {
		return advisor.Fallback(in)
	}
	return b.deps.Advisor.Advise(ctx, in)
}

// credentials resolves the account for this platform.
func (b *base) credentials(id string) (credentials.Values, error) {
	if id == "" {
		id = domain.DefaultCredentialID
	}
	v, err := b.deps.Credentials.Resolve(string(b.platform), id)
	if err != nil {
		return nil, domain.NewProviderError(b.platform, "credentials", 0, domain.ErrCredentialMissing, err)
	}
	return v, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsCancelled reports whether err came from the caller's context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
