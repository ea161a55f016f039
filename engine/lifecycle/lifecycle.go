// Package lifecycle applies editor actions to pages: registration, the
// keyword and result approval gates, forced re-searches and search
// selection. Actions that need a new session enqueue a job.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/approval"
	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/engine/keywords"
	"github.com/WessleyAI/shopsearch/engine/store"
	"github.com/google/uuid"
)

// Store is the persistence the service needs.
type Store interface {
	CreatePage(ctx context.Context, p domain.Page) error
	GetPage(ctx context.Context, id string) (domain.Page, error)
	FindPageByURL(ctx context.Context, url string) (domain.Page, error)
	UpdatePage(ctx context.Context, p domain.Page) error
	GetSearch(ctx context.Context, id string) (domain.Search, error)
	LoadResults(ctx context.Context, searchID string) ([]domain.Product, error)
}

// Enqueuer schedules orchestration jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

// Options configures a Service.
type Options struct {
	// CredentialID is stamped on every enqueued job.
	CredentialID string
	NewID        func() string
	Logger       *slog.Logger
}

// Service applies editor actions.
type Service struct {
	store  Store
	queue  Enqueuer
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(s Store, q Enqueuer, opts Options) *Service {
	if opts.CredentialID == "" {
		opts.CredentialID = domain.DefaultCredentialID
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, queue: q, opts: opts, logger: logger}
}

// RegisterRequest describes a page to track.
type RegisterRequest struct {
	URL            string `json:"url"`
	TextContentRef string `json:"textContentRef,omitempty"`
	Strategy       string `json:"searchStrategy,omitempty"`
}

// RegisterPage creates a page for req.URL, or returns the page already
// tracking it with created=false. A new page is queued for a keyword
// proposal.
func (s *Service) RegisterPage(ctx context.Context, req RegisterRequest) (domain.Page, bool, error) {
	url := strings.TrimSpace(req.URL)
	if err := domain.ValidatePageURL(url); err != nil {
		return domain.Page{}, false, err
	}
	strategy, err := domain.ParseStrategy(req.Strategy)
	if err != nil {
		return domain.Page{}, false, err
	}
	if p, err := s.store.FindPageByURL(ctx, url); err == nil {
		return p, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Page{}, false, fmt.Errorf("lifecycle: find page: %w", err)
	}

	p := domain.NewPage(s.opts.NewID(), url, strings.TrimSpace(req.TextContentRef), strategy)
	if err := s.store.CreatePage(ctx, p); err != nil {
		if errors.Is(err, store.ErrPageExists) {
			existing, ferr := s.store.FindPageByURL(ctx, url)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return domain.Page{}, false, fmt.Errorf("lifecycle: create page: %w", err)
	}
	s.logger.Info("lifecycle: page registered", "page_id", p.ID, "url", p.URL, "strategy", p.SearchStrategy)
	if err := s.enqueue(ctx, domain.Job{PageID: p.ID}); err != nil {
		return p, true, err
	}
	return p, true, nil
}

// Page returns a page.
func (s *Service) Page(ctx context.Context, id string) (domain.Page, error) {
	p, err := s.store.GetPage(ctx, id)
	if err != nil {
		return domain.Page{}, fmt.Errorf("lifecycle: get page: %w", err)
	}
	return p, nil
}

// Attempts returns the attempt history of a page in execution order.
func (s *Service) Attempts(ctx context.Context, id string) ([]domain.SearchAttemptRecord, error) {
	p, err := s.Page(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.SearchAttempts, nil
}

// SearchView is a Search row with its products.
type SearchView struct {
	domain.Search
	Products []domain.Product `json:"products"`
}

// Search returns a Search row and, when completed, its products.
func (s *Service) Search(ctx context.Context, id string) (SearchView, error) {
	row, err := s.store.GetSearch(ctx, id)
	if err != nil {
		return SearchView{}, fmt.Errorf("lifecycle: get search: %w", err)
	}
	v := SearchView{Search: row, Products: []domain.Product{}}
	if row.Status != domain.SearchRowCompleted {
		return v, nil
	}
	products, err := s.store.LoadResults(ctx, id)
	if err != nil {
		return SearchView{}, fmt.Errorf("lifecycle: load results: %w", err)
	}
	v.Products = products
	return v, nil
}

// ApproveKeywords opens the keyword gate and queues the search. A
// non-empty phrase replaces the proposal first.
func (s *Service) ApproveKeywords(ctx context.Context, id, phrase string) (domain.Page, error) {
	return s.apply(ctx, id, "approve keywords", true, func(p *domain.Page) error {
		if strings.TrimSpace(phrase) != "" {
			formatted, err := keywords.Format(phrase, keywords.DefaultMaxWords)
			if err != nil {
				return err
			}
			if p.KeywordStatus == domain.ApprovalApproved {
				p.KeywordStatus = domain.ApprovalPending
			}
			if err := p.ProposeKeywords(formatted); err != nil {
				return err
			}
		}
		return p.ApproveKeywords()
	}, domain.Job{PageID: id})
}

// RejectKeywords closes the keyword gate and queues a new proposal that
// takes feedback into account.
func (s *Service) RejectKeywords(ctx context.Context, id, feedback string) (domain.Page, error) {
	return s.apply(ctx, id, "reject keywords", true, func(p *domain.Page) error {
		return p.RejectKeywords(strings.TrimSpace(feedback))
	}, domain.Job{PageID: id})
}

// ForceNewSearch queues a forced run. The run resets the search fields of
// the page and may take it over from a stuck session.
func (s *Service) ForceNewSearch(ctx context.Context, id string) (domain.Page, error) {
	p, err := s.Page(ctx, id)
	if err != nil {
		return domain.Page{}, err
	}
	if err := s.enqueue(ctx, domain.Job{PageID: id, ForceRefresh: true}); err != nil {
		return domain.Page{}, err
	}
	s.logger.Info("lifecycle: forced search queued", "page_id", id)
	return p, nil
}

// ApproveResults accepts the search the page points at.
func (s *Service) ApproveResults(ctx context.Context, id string) (domain.Page, error) {
	return s.apply(ctx, id, "approve results", false, func(p *domain.Page) error {
		return p.ApproveResults()
	}, domain.Job{})
}

// RejectResults rejects the chosen search and queues a keyword proposal
// that takes feedback into account.
func (s *Service) RejectResults(ctx context.Context, id, feedback string) (domain.Page, error) {
	return s.apply(ctx, id, "reject results", true, func(p *domain.Page) error {
		return p.RejectResults(strings.TrimSpace(feedback))
	}, domain.Job{PageID: id})
}

// SelectSearch points the page at another completed search.
func (s *Service) SelectSearch(ctx context.Context, id, searchID string) (domain.Page, error) {
	row, err := s.store.GetSearch(ctx, searchID)
	if err != nil {
		return domain.Page{}, fmt.Errorf("lifecycle: select search: %w", err)
	}
	if row.Status != domain.SearchRowCompleted {
		return domain.Page{}, fmt.Errorf("lifecycle: select search: %w: search %s is %s", domain.ErrIllegalTransition, row.ID, row.Status)
	}
	return s.apply(ctx, id, "select search", false, func(p *domain.Page) error {
		return p.SelectSearch(row.ID)
	}, domain.Job{})
}

// Decide applies an editor decision. It implements approval.Decider.
func (s *Service) Decide(ctx context.Context, d approval.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var err error
	switch {
	case d.Gate == approval.GateKeywords && d.Verdict == approval.VerdictApprove:
		_, err = s.ApproveKeywords(ctx, d.PageID, d.Keywords)
	case d.Gate == approval.GateKeywords && d.Verdict == approval.VerdictReject:
		_, err = s.RejectKeywords(ctx, d.PageID, d.Feedback)
	case d.Verdict == approval.VerdictApprove:
		_, err = s.ApproveResults(ctx, d.PageID)
	case d.Verdict == approval.VerdictReject:
		_, err = s.RejectResults(ctx, d.PageID, d.Feedback)
	default:
		_, err = s.SelectSearch(ctx, d.PageID, d.SearchID)
	}
	return err
}

var _ approval.Decider = (*Service)(nil)

// apply loads a page, runs the transition, persists it and, when queue is
// set, enqueues job.
func (s *Service) apply(ctx context.Context, id, op string, queue bool, transition func(*domain.Page) error, job domain.Job) (domain.Page, error) {
	p, err := s.store.GetPage(ctx, id)
	if err != nil {
		return domain.Page{}, fmt.Errorf("lifecycle: %s: %w", op, err)
	}
	if p.SearchStatus == domain.SearchSearching && queue {
		return domain.Page{}, fmt.Errorf("lifecycle: %s: %w", op, domain.ErrPageBusy)
	}
	if err := transition(&p); err != nil {
		return domain.Page{}, fmt.Errorf("lifecycle: %s: %w", op, err)
	}
	if err := s.store.UpdatePage(ctx, p); err != nil {
		return domain.Page{}, fmt.Errorf("lifecycle: %s: %w", op, err)
	}
	s.logger.Info("lifecycle: "+op, "page_id", p.ID, "keyword_status", p.KeywordStatus,
		"search_status", p.SearchStatus, "search_id_status", p.SearchIDStatus)
	if queue {
		if err := s.enqueue(ctx, job); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (s *Service) enqueue(ctx context.Context, job domain.Job) error {
	if s.queue == nil {
		return nil
	}
	if job.CredentialID == "" {
		job.CredentialID = s.opts.CredentialID
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("lifecycle: enqueue %s: %w", job.PageID, err)
	}
	return nil
}
