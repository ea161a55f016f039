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
	"github.com/WessleyAI/shopsearch/pkg/fn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	stopTarget    = "target reached"
	stopCeiling   = "attempt ceiling reached"
	stopExhausted = "advisor exhausted novel options"
	stopSingle    = "single attempt strategy"
	stopPlatforms = "all platforms tried"
)

// session is the mutable state of one run.
type session struct {
	o      *Orchestrator
	job    domain.Job
	logger *slog.Logger

	state    State
	page     domain.Page
	article  string
	phrase   string
	history  []domain.SearchAttemptRecord
	attempts int
}

// attempt is the outcome of one executed or replayed triple.
type attempt struct {
	platform domain.Platform
	phrase   string
	config   domain.PlatformConfig
	products []domain.Product
	quality  float64
}

func (a *attempt) count() int { return len(a.products) }

func (a *attempt) key() domain.SearchKey {
	return domain.SearchKey{Phrase: a.phrase, Platform: a.platform, PlatformConfig: a.config}
}

func (s *session) enter(ctx context.Context, st State) {
	s.state = st
	trace.SpanFromContext(ctx).AddEvent("state", trace.WithAttributes(attribute.String("state", string(st))))
	s.logger.Debug("orchestrator: state", "state", st, "attempts", s.attempts)
}

func (s *session) run(ctx context.Context) (Outcome, error) {
	s.enter(ctx, StateInitializing)
	page, err := s.o.deps.Store.GetPage(ctx, s.job.PageID)
	if err != nil {
		return Outcome{}, wrap("load page", err)
	}
	if page.KeywordStatus != domain.ApprovalApproved && !s.job.ForceRefresh {
		return s.proposeKeywords(ctx, page)
	}

	page, err = s.o.deps.Store.ClaimPage(ctx, page.ID, s.job.ForceRefresh)
	if err != nil {
		return Outcome{}, wrap("claim page", err)
	}
	if s.job.ForceRefresh {
		page.ResetForNewSearch()
		if err := page.BeginSearch(true); err != nil {
			return Outcome{}, wrap("reset page", err)
		}
		if err := s.o.deps.Store.UpdatePage(ctx, page); err != nil {
			return s.abort(ctx, wrap("reset page", err))
		}
	}
	s.page = page
	s.history = append([]domain.SearchAttemptRecord(nil), page.SearchAttempts...)

	s.enter(ctx, StateGeneratingKeywords)
	if page.KeywordStatus == domain.ApprovalApproved && page.ProposedKeywords != "" {
		s.phrase = page.ProposedKeywords
	} else {
		s.phrase, err = s.generate(ctx)
		if err != nil {
			return s.abort(ctx, err)
		}
	}

	var (
		best   *attempt
		reason string
	)
	switch s.strategy() {
	case domain.StrategySingle:
		best, reason, err = s.single(ctx)
	case domain.StrategyMultiPlatform:
		best, reason, err = s.multiPlatform(ctx)
	default:
		best, reason, err = s.progressive(ctx)
	}
	if err != nil {
		return s.abort(ctx, err)
	}
	return s.finalize(ctx, best, reason)
}

func (s *session) strategy() domain.Strategy {
	if s.job.Strategy != "" {
		return s.job.Strategy
	}
	if s.page.SearchStrategy != "" {
		return s.page.SearchStrategy
	}
	return domain.DefaultStrategy
}

func (s *session) platform() domain.Platform {
	if s.job.Platform != "" {
		return s.job.Platform
	}
	return s.o.deps.Backends.PlatformForHost(domain.PageHost(s.page))
}

// articleText loads the article once per session.
func (s *session) articleText(ctx context.Context, page domain.Page) (string, error) {
	if s.article != "" {
		return s.article, nil
	}
	text, err := s.o.deps.Articles.ArticleText(ctx, page)
	if err != nil {
		return "", wrap("article text", err)
	}
	s.article = text
	return text, nil
}

func (s *session) generate(ctx context.Context) (string, error) {
	text, err := s.articleText(ctx, s.page)
	if err != nil {
		return "", err
	}
	phrase, err := s.o.deps.Keywords.Generate(ctx, keywords.Request{
		ArticleText:      text,
		Host:             domain.PageHost(s.page),
		Feedback:         s.page.Feedback(),
		PreviousKeywords: s.page.ProposedKeywords,
	})
	if err != nil {
		return "", wrap("generate keywords", err)
	}
	return phrase, nil
}

// proposeKeywords generates a phrase for editor review instead of searching.
func (s *session) proposeKeywords(ctx context.Context, page domain.Page) (Outcome, error) {
	s.page = page
	s.enter(ctx, StateGeneratingKeywords)
	phrase, err := s.generate(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if err := page.ProposeKeywords(phrase); err != nil {
		return Outcome{}, wrap("propose keywords", err)
	}
	if err := s.o.deps.Store.UpdatePage(ctx, page); err != nil {
		return Outcome{}, wrap("save proposal", err)
	}
	err = s.o.deps.Approval.ProposeKeywords(ctx, approval.KeywordProposal{
		PageID:     page.ID,
		URL:        page.URL,
		Keywords:   phrase,
		Feedback:   page.Feedback(),
		ProposedAt: s.o.opts.Now(),
	})
	if err != nil {
		s.logger.Warn("orchestrator: keyword proposal not delivered", "keywords", phrase, "err", err)
	}
	s.logger.Info("orchestrator: awaiting keyword approval", "keywords", phrase)
	return Outcome{Status: StatusAwaitingApproval, Keywords: phrase}, nil
}

// progressive runs the advisor-steered loop on one platform.
func (s *session) progressive(ctx context.Context) (*attempt, string, error) {
	be, err := s.o.deps.Backends.Get(s.platform())
	if err != nil {
		return nil, "", wrap("select backend", err)
	}
	phrase := s.phrase
	cfg := be.PrepareConfig(ctx, phrase, s.page.Feedback())

	var best *attempt
	for {
		cur, err := s.execute(ctx, be, phrase, cfg)
		if err != nil {
			return nil, "", err
		}
		best = better(best, cur)

		if cur.count() >= s.o.opts.Target {
			return best, stopTarget, nil
		}
		if s.attempts >= s.o.opts.MaxAttempts {
			return best, stopCeiling, nil
		}

		s.enter(ctx, StateAdvising)
		in := advisor.Input{
			Platform:       be.Platform(),
			CurrentPhrase:  phrase,
			CurrentConfig:  cfg,
			ProductCount:   cur.count(),
			OriginalPhrase: s.phrase,
			History:        s.history,
		}
		adv := be.SuggestNext(ctx, in)
		if adv.Action == advisor.ActionStop {
			return best, firstNonEmpty(adv.Reason, "advisor stopped"), nil
		}
		nextPhrase, nextCfg := adv.Next(in)
		nextPhrase, err = keywords.Format(nextPhrase, keywords.DefaultMaxWords)
		if err != nil || s.tried(be.Platform(), nextPhrase, nextCfg) {
			s.logger.Info("orchestrator: advisor proposal rejected",
				"action", adv.Action, "keywords", adv.NewKeywords, "config", nextCfg.Canonical())
			return best, stopExhausted, nil
		}
		s.logger.Info("orchestrator: advising", "action", adv.Action, "keywords", nextPhrase,
			"config", nextCfg.Canonical(), "reason", adv.Reason)
		phrase, cfg = nextPhrase, nextCfg
	}
}

// single runs one attempt without consulting the advisor.
func (s *session) single(ctx context.Context) (*attempt, string, error) {
	be, err := s.o.deps.Backends.Get(s.platform())
	if err != nil {
		return nil, "", wrap("select backend", err)
	}
	cfg := be.PrepareConfig(ctx, s.phrase, s.page.Feedback())
	best, err := s.execute(ctx, be, s.phrase, cfg)
	return best, stopSingle, err
}

// multiPlatform tries the phrase once on every backend. Configs are
// prepared concurrently; the attempts themselves run in registry order.
func (s *session) multiPlatform(ctx context.Context) (*attempt, string, error) {
	backends := s.o.deps.Backends.All()
	feedback := s.page.Feedback()
	cfgs, err := fn.Collect(fn.ParMapResult(backends, 0, func(be backend.Backend) fn.Result[domain.PlatformConfig] {
		cfg := be.PrepareConfig(ctx, s.phrase, feedback)
		if err := ctx.Err(); err != nil {
			return fn.Err[domain.PlatformConfig](err)
		}
		return fn.Ok(cfg)
	})).Unwrap()
	if err != nil {
		return nil, "", wrap("prepare configs", err)
	}

	var best *attempt
	for i, be := range backends {
		if s.attempts >= s.o.opts.MaxAttempts {
			return best, stopCeiling, nil
		}
		cur, err := s.execute(ctx, be, s.phrase, cfgs[i])
		if err != nil {
			return nil, "", err
		}
		if best == nil || cur.count() > best.count() || (cur.count() == best.count() && cur.quality > best.quality) {
			best = cur
		}
	}
	if best == nil {
		return nil, "", wrap("multi platform", errors.New("no backends registered"))
	}
	return best, stopPlatforms, nil
}

// better keeps the first attempt with the strictly highest count.
func better(best, cur *attempt) *attempt {
	if best == nil || cur.count() > best.count() {
		return cur
	}
	return best
}

func (s *session) tried(p domain.Platform, phrase string, cfg domain.PlatformConfig) bool {
	key := domain.NewAttemptKey(p, phrase, cfg)
	_, ok := fn.Find(s.history, func(a domain.SearchAttemptRecord) bool { return a.Key() == key })
	return ok
}

// execute runs one attempt. A triple with a completed Search row reuses it
// instead of calling the provider; a triple already in the history is
// replayed without a new record. Provider failures count as zero results;
// only cancellation and persistence failures are returned.
func (s *session) execute(ctx context.Context, be backend.Backend, phrase string, cfg domain.PlatformConfig) (*attempt, error) {
	s.enter(ctx, StateSearching)
	s.attempts++
	cur := &attempt{platform: be.Platform(), phrase: phrase, config: cfg}
	replay := s.tried(cur.platform, phrase, cfg)
	log := s.logger.With("attempt", s.attempts, "platform", cur.platform, "keywords", phrase, "config", cfg.Canonical())

	reused, err := s.reuse(ctx, cur)
	if err != nil {
		return nil, err
	}
	if !reused {
		res, err := be.Search(ctx, phrase, cfg, s.job.CredentialID)
		switch {
		case err != nil && backend.IsCancelled(err):
			return nil, wrap("search", err)
		case err != nil:
			s.o.metrics.providerErrors(domain.ErrorClass(err)).Inc()
			log.Warn("orchestrator: attempt failed, counting zero results", "error_class", domain.ErrorClass(err), "err", err)
		default:
			cur.products = res.Products
		}
		s.enter(ctx, StateAssessing)
		cur.quality = be.AssessQuality(ctx, cur.products, phrase)
	}
	s.o.metrics.attempts(string(cur.platform)).Inc()
	s.o.metrics.products.Observe(float64(cur.count()))
	log.Info("orchestrator: attempt done", "products", cur.count(), "quality", cur.quality, "reused", reused, "replay", replay)

	if replay {
		return cur, nil
	}
	rec := domain.SearchAttemptRecord{
		Platform:       cur.platform,
		Keywords:       phrase,
		PlatformConfig: cfg,
		ProductCount:   cur.count(),
		QualityScore:   cur.quality,
		Timestamp:      s.o.opts.Now(),
	}
	page, err := s.o.deps.Store.AppendAttempt(ctx, s.page.ID, rec)
	switch {
	case errors.Is(err, domain.ErrDuplicateAttempt):
		log.Warn("orchestrator: attempt already recorded")
	case err != nil:
		return nil, wrap("record attempt", err)
	default:
		s.page = page
	}
	s.history = append(s.history, rec)
	return cur, nil
}

// reuse fills cur from a completed Search row for its triple. A failed row
// holds no results and the provider is queried again.
func (s *session) reuse(ctx context.Context, cur *attempt) (bool, error) {
	row, err := s.o.deps.Store.GetSearch(ctx, cur.key().ID())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	case err != nil:
		return false, wrap("lookup search", err)
	case row.Status != domain.SearchRowCompleted:
		return false, nil
	}
	products, err := s.o.deps.Results.LoadResults(ctx, row.ID)
	if err != nil {
		s.logger.Warn("orchestrator: stored results unavailable, querying provider", "search_id", row.ID, "err", err)
		return false, nil
	}
	cur.products = products
	cur.quality = row.QualityScore
	return true, nil
}

// abort marks the claimed page failed and returns err. The update runs
// detached from ctx so a cancelled run still leaves a terminal page.
func (s *session) abort(ctx context.Context, err error) (Outcome, error) {
	s.enter(ctx, StateFailed)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	page, gerr := s.o.deps.Store.GetPage(ctx, s.job.PageID)
	if gerr == nil && page.FailSearch() == nil {
		if uerr := s.o.deps.Store.UpdatePage(ctx, page); uerr != nil {
			s.logger.Error("orchestrator: could not mark page failed", "err", uerr)
		}
	}
	s.logger.Error("orchestrator: run failed", "state", s.state, "attempts", s.attempts, "err", err)
	return Outcome{Status: StatusFailed, Keywords: s.phrase, Attempts: s.attempts}, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func noResults(n int) string {
	return fmt.Sprintf("no results after %d attempts", n)
}
