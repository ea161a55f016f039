// Package orchestrator runs search sessions for pages: it generates or
// reuses the approved phrase, executes attempts against commerce backends,
// lets the advisor steer, and finalizes the best attempt as a Search.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/shopsearch/engine/advisor"
	"github.com/WessleyAI/shopsearch/engine/approval"
	"github.com/WessleyAI/shopsearch/engine/backend"
	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/engine/keywords"
	"github.com/WessleyAI/shopsearch/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("engine/orchestrator")

// ErrConvergenceTimeout means another run held the winning Search row
// pending for longer than Options.AwaitPending.
var ErrConvergenceTimeout = errors.New("orchestrator: concurrent search still pending")

// State is a step of a session.
type State string

const (
	StateInitializing       State = "initializing"
	StateGeneratingKeywords State = "generating_keywords"
	StateSearching          State = "searching"
	StateAssessing          State = "assessing"
	StateAdvising           State = "advising"
	StateFinalizing         State = "finalizing"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// Status is how a run ended.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Store is the page and search persistence the orchestrator needs.
type Store interface {
	GetPage(ctx context.Context, id string) (domain.Page, error)
	UpdatePage(ctx context.Context, p domain.Page) error
	ClaimPage(ctx context.Context, id string, force bool) (domain.Page, error)
	AppendAttempt(ctx context.Context, id string, rec domain.SearchAttemptRecord) (domain.Page, error)
	CreateSearch(ctx context.Context, s domain.Search) (domain.Search, bool, error)
	GetSearch(ctx context.Context, id string) (domain.Search, error)
	UpdateSearch(ctx context.Context, s domain.Search) error
}

// ResultStore persists product sets by search ID.
type ResultStore interface {
	SaveResults(ctx context.Context, searchID string, products []domain.Product) (string, error)
	LoadResults(ctx context.Context, searchID string) ([]domain.Product, error)
}

// KeywordGenerator proposes search phrases.
type KeywordGenerator interface {
	Generate(ctx context.Context, req keywords.Request) (string, error)
}

// ArticleSource returns the text of a page.
type ArticleSource interface {
	ArticleText(ctx context.Context, page domain.Page) (string, error)
}

// Backends selects commerce backends.
type Backends interface {
	Get(p domain.Platform) (backend.Backend, error)
	All() []backend.Backend
	PlatformForHost(host string) domain.Platform
}

// Deps are the collaborators of an Orchestrator. Describer, Metrics and
// Logger are optional.
type Deps struct {
	Store     Store
	Results   ResultStore
	Keywords  KeywordGenerator
	Articles  ArticleSource
	Backends  Backends
	Approval  approval.Channel
	Describer Describer
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

// Options tunes a session.
type Options struct {
	// MaxAttempts is the hard ceiling of attempts per session.
	MaxAttempts int
	// Target is the product count that ends a session early.
	Target int
	// AwaitPending bounds the wait for a Search row another run is executing.
	AwaitPending time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  advisor.MaxAttempts,
		Target:       advisor.Target,
		AwaitPending: 30 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Now:          func() time.Time { return time.Now().UTC() },
		Sleep:        sleepCtx,
	}
}

// Outcome summarizes a run.
type Outcome struct {
	PageID       string                `json:"pageId"`
	Status       Status                `json:"status"`
	SearchID     string                `json:"searchId,omitempty"`
	Keywords     string                `json:"keywords,omitempty"`
	Platform     domain.Platform       `json:"platform,omitempty"`
	Config       domain.PlatformConfig `json:"platformConfig,omitempty"`
	ProductCount int                   `json:"productCount"`
	QualityScore float64               `json:"qualityScore"`
	Attempts     int                   `json:"attempts"`
	StopReason   string                `json:"stopReason,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Orchestrator runs sessions. It is safe for concurrent use; runs for the
// same page are serialized.
type Orchestrator struct {
	deps    Deps
	opts    Options
	locks   *keyedMutex
	metrics *runMetrics
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Target <= 0 {
		opts.Target = def.Target
	}
	if opts.AwaitPending <= 0 {
		opts.AwaitPending = def.AwaitPending
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = def.Sleep
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Approval == nil {
		deps.Approval = approval.NewLog(logger)
	}
	if deps.Results == nil {
		if rs, ok := deps.Store.(ResultStore); ok {
			deps.Results = rs
		}
	}
	reg := deps.Metrics
	if reg == nil {
		reg = metrics.New()
	}
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		locks:   newKeyedMutex(),
		metrics: newRunMetrics(reg),
		logger:  logger,
	}
}

// Run executes one job. A page whose keywords are not approved gets a
// keyword proposal instead of a search unless the job is forced. A session
// that ends without products returns StatusFailed and a nil error; errors
// are reserved for runs that could not reach a terminal page state.
func (o *Orchestrator) Run(ctx context.Context, job domain.Job) (Outcome, error) {
	job, err := domain.ValidateJob(job)
	if err != nil {
		return Outcome{}, err
	}
	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("page_id", job.PageID),
		attribute.String("credential_id", job.CredentialID),
		attribute.Bool("force_refresh", job.ForceRefresh),
	)

	unlock := o.locks.Lock(job.PageID)
	defer unlock()

	start := time.Now()
	o.metrics.active.Inc()
	defer o.metrics.active.Dec()

	s := &session{o: o, job: job, logger: o.logger.With("page_id", job.PageID)}
	out, err := s.run(ctx)
	out.PageID = job.PageID

	status := string(out.Status)
	if err != nil {
		status = "error"
		out.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Int("attempts", out.Attempts),
		attribute.Int("product_count", out.ProductCount),
	)
	o.metrics.runs(status).Inc()
	o.metrics.duration.Since(start)
	return out, err
}

// Retryable reports whether a failed run is worth another delivery.
func Retryable(err error) bool {
	var ve *domain.ValidationError
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrPageBusy),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidGeneration),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.As(err, &ve):
		return false
	}
	return true
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

func wrap(op string, err error) error {
	return fmt.Errorf("orchestrator: %s: %w", op, err)
}
