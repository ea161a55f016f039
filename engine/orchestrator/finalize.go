package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/shopsearch/engine/approval"
	"github.com/WessleyAI/shopsearch/engine/domain"
)

// finalize commits the best attempt as a Search row and points the page at
// it, or fails both when nothing was found.
func (s *session) finalize(ctx context.Context, best *attempt, reason string) (Outcome, error) {
	s.enter(ctx, StateFinalizing)
	out := Outcome{
		Keywords:     best.phrase,
		Platform:     best.platform,
		Config:       best.config,
		ProductCount: best.count(),
		QualityScore: best.quality,
		Attempts:     s.attempts,
		StopReason:   reason,
	}

	row, err := s.commit(ctx, best)
	if err != nil {
		return s.abort(ctx, err)
	}
	out.SearchID = row.ID

	page, err := s.o.deps.Store.GetPage(ctx, s.page.ID)
	if err != nil {
		return s.abort(ctx, wrap("reload page", err))
	}
	if row.Status != domain.SearchRowCompleted {
		if err := page.FailSearch(); err != nil {
			return s.abort(ctx, wrap("fail page", err))
		}
		if err := s.o.deps.Store.UpdatePage(ctx, page); err != nil {
			return s.abort(ctx, wrap("fail page", err))
		}
		s.enter(ctx, StateFailed)
		out.Status = StatusFailed
		if row.ErrorMessage != nil {
			out.Error = *row.ErrorMessage
		}
		s.logger.Warn("orchestrator: session failed", "search_id", row.ID, "attempts", s.attempts, "reason", out.Error)
		return out, nil
	}

	if err := page.CompleteSearch(row.ID); err != nil {
		return s.abort(ctx, wrap("complete page", err))
	}
	if err := s.o.deps.Store.UpdatePage(ctx, page); err != nil {
		return s.abort(ctx, wrap("complete page", err))
	}
	s.page = page
	out.ProductCount = row.ProductCount
	out.QualityScore = row.QualityScore

	err = s.o.deps.Approval.ProposeResults(ctx, approval.ResultsProposal{
		PageID:       page.ID,
		URL:          page.URL,
		SearchID:     row.ID,
		Keywords:     row.Phrase,
		Platform:     row.Platform,
		ProductCount: row.ProductCount,
		QualityScore: row.QualityScore,
		Attempts:     s.attempts,
		Preview:      approval.Preview(best.products),
		ProposedAt:   s.o.opts.Now(),
	})
	if err != nil {
		s.logger.Warn("orchestrator: results proposal not delivered", "search_id", row.ID, "err", err)
	}
	s.enter(ctx, StateCompleted)
	out.Status = StatusCompleted
	s.logger.Info("orchestrator: session completed", "search_id", row.ID, "keywords", row.Phrase,
		"platform", row.Platform, "products", row.ProductCount, "attempts", s.attempts, "reason", reason)
	return out, nil
}

// commit creates or reuses the Search row of best. A failed row for the
// triple is superseded by this run. A row owned by this run always ends
// terminal, even when storing the products fails.
func (s *session) commit(ctx context.Context, best *attempt) (domain.Search, error) {
	row, created, err := s.o.deps.Store.CreateSearch(ctx, domain.NewSearch(best.key(), s.job.CredentialID))
	if err != nil {
		return domain.Search{}, wrap("create search", err)
	}
	if !created {
		if row.Terminal() {
			s.logger.Info("orchestrator: reusing search", "search_id", row.ID, "status", row.Status)
			return row, nil
		}
		return s.awaitTerminal(ctx, row.ID)
	}

	now := s.o.opts.Now()
	if best.count() == 0 {
		if err := row.Fail(noResults(s.attempts), now); err != nil {
			return domain.Search{}, wrap("fail search", err)
		}
		return row, s.saveSearch(ctx, row)
	}

	products := domain.Renumber(append([]domain.Product(nil), best.products...))
	if s.o.deps.Describer != nil {
		if text, err := s.articleText(ctx, s.page); err == nil {
			products = s.o.deps.Describer.Describe(ctx, text, products)
		} else {
			s.logger.Warn("orchestrator: skipping descriptions", "err", err)
		}
	}
	best.products = products

	ref, err := s.o.deps.Results.SaveResults(ctx, row.ID, products)
	if err != nil {
		msg := fmt.Sprintf("persist results: %v", err)
		if ferr := row.Fail(msg, now); ferr == nil {
			if serr := s.saveSearch(ctx, row); serr != nil {
				s.logger.Error("orchestrator: could not fail search", "search_id", row.ID, "err", serr)
			}
		}
		return domain.Search{}, wrap("save results", err)
	}
	if err := row.Complete(len(products), best.quality, ref, now); err != nil {
		return domain.Search{}, wrap("complete search", err)
	}
	if err := s.saveSearch(ctx, row); err != nil {
		return domain.Search{}, err
	}
	return row, nil
}

// saveSearch writes a terminal row detached from cancellation.
func (s *session) saveSearch(ctx context.Context, row domain.Search) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.o.deps.Store.UpdateSearch(ctx, row); err != nil {
		return wrap("update search", err)
	}
	return nil
}

// awaitTerminal polls a row another run is executing.
func (s *session) awaitTerminal(ctx context.Context, id string) (domain.Search, error) {
	s.logger.Info("orchestrator: waiting for concurrent search", "search_id", id)
	deadline := time.Now().Add(s.o.opts.AwaitPending)
	for {
		row, err := s.o.deps.Store.GetSearch(ctx, id)
		if err != nil {
			return domain.Search{}, wrap("poll search", err)
		}
		if row.Terminal() {
			return row, nil
		}
		if !time.Now().Before(deadline) {
			return domain.Search{}, fmt.Errorf("%w: %s", ErrConvergenceTimeout, id)
		}
		if err := s.o.opts.Sleep(ctx, s.o.opts.PollInterval); err != nil {
			return domain.Search{}, wrap("poll search", err)
		}
	}
}
