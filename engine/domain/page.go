package domain

import (
	"fmt"
	"time"
)

// Page is one tracked article URL and its search lifecycle.
type Page struct {
	ID               string                `json:"id"`
	URL              string                `json:"url"`
	TextContentRef   string                `json:"textContentRef,omitempty"`
	ProposedKeywords string                `json:"proposedKeywords,omitempty"`
	KeywordStatus    ApprovalStatus        `json:"keywordStatus"`
	KeywordFeedback  *string               `json:"keywordFeedback"`
	SearchID         *string               `json:"searchId"`
	SearchIDStatus   ApprovalStatus        `json:"searchIdStatus"`
	SearchStatus     SearchStatus          `json:"searchStatus"`
	SearchStrategy   Strategy              `json:"searchStrategy"`
	SearchAttempts   []SearchAttemptRecord `json:"searchAttempts"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

// NewPage returns a page in its initial state.
func NewPage(id, url, textRef string, strategy Strategy) Page {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	now := time.Now().UTC()
	return Page{
		ID:             id,
		URL:            url,
		TextContentRef: textRef,
		KeywordStatus:  ApprovalPending,
		SearchIDStatus: ApprovalPending,
		SearchStatus:   SearchPending,
		SearchStrategy: strategy,
		SearchAttempts: []SearchAttemptRecord{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func illegal(op string, from any) error {
	return fmt.Errorf("%w: %s from %v", ErrIllegalTransition, op, from)
}

// Feedback returns the keyword feedback or "".
func (p *Page) Feedback() string {
	if p.KeywordFeedback == nil {
		return ""
	}
	return *p.KeywordFeedback
}

// ProposeKeywords records a generated phrase awaiting human approval.
func (p *Page) ProposeKeywords(phrase string) error {
	if p.KeywordStatus == ApprovalApproved {
		return illegal("propose keywords", p.KeywordStatus)
	}
	if phrase == "" {
		return NewValidationError("proposedKeywords", phrase, ErrInvalidGeneration)
	}
	p.ProposedKeywords = phrase
	p.KeywordStatus = ApprovalPending
	return nil
}

// ApproveKeywords opens the keyword gate.
func (p *Page) ApproveKeywords() error {
	switch {
	case p.KeywordStatus == ApprovalApproved:
		return nil
	case p.KeywordStatus != ApprovalPending || p.ProposedKeywords == "":
		return illegal("approve keywords", p.KeywordStatus)
	}
	p.KeywordStatus = ApprovalApproved
	return nil
}

// RejectKeywords closes the keyword gate with feedback for regeneration.
func (p *Page) RejectKeywords(feedback string) error {
	if p.KeywordStatus == ApprovalRejected {
		return illegal("reject keywords", p.KeywordStatus)
	}
	p.KeywordStatus = ApprovalRejected
	p.KeywordFeedback = &feedback
	return nil
}

// BeginSearch moves the page to searching. A page already searching is
// only taken over when forced.
func (p *Page) BeginSearch(force bool) error {
	if p.SearchStatus == SearchSearching && !force {
		return ErrPageBusy
	}
	p.SearchStatus = SearchSearching
	p.SearchID = nil
	p.SearchIDStatus = ApprovalPending
	return nil
}

// CompleteSearch points the page at the winning search.
func (p *Page) CompleteSearch(searchID string) error {
	if p.SearchStatus != SearchSearching {
		return illegal("complete search", p.SearchStatus)
	}
	id := searchID
	p.SearchID = &id
	p.SearchStatus = SearchCompleted
	p.SearchIDStatus = ApprovalPending
	return nil
}

// FailSearch marks the session failed.
func (p *Page) FailSearch() error {
	if p.SearchStatus != SearchSearching {
		return illegal("fail search", p.SearchStatus)
	}
	p.SearchID = nil
	p.SearchStatus = SearchFailed
	return nil
}

// ResetForNewSearch returns the search fields to their initial values.
// Keyword approval is kept.
func (p *Page) ResetForNewSearch() {
	p.SearchID = nil
	p.SearchIDStatus = ApprovalPending
	p.SearchStatus = SearchPending
	p.SearchAttempts = []SearchAttemptRecord{}
	p.KeywordFeedback = nil
}

// ApproveResults opens the result gate.
func (p *Page) ApproveResults() error {
	if p.SearchStatus != SearchCompleted || p.SearchID == nil {
		return illegal("approve results", p.SearchStatus)
	}
	if p.SearchIDStatus == ApprovalRejected {
		return illegal("approve results", p.SearchIDStatus)
	}
	p.SearchIDStatus = ApprovalApproved
	return nil
}

// RejectResults rejects the chosen search and sends the page back through
// keyword generation with the feedback.
func (p *Page) RejectResults(feedback string) error {
	if p.SearchStatus != SearchCompleted || p.SearchID == nil {
		return illegal("reject results", p.SearchStatus)
	}
	p.SearchIDStatus = ApprovalRejected
	p.KeywordStatus = ApprovalRejected
	p.KeywordFeedback = &feedback
	return nil
}

// SelectSearch points the page at another completed search.
func (p *Page) SelectSearch(searchID string) error {
	if p.SearchStatus == SearchSearching {
		return illegal("select search", p.SearchStatus)
	}
	id := searchID
	p.SearchID = &id
	p.SearchStatus = SearchCompleted
	p.SearchIDStatus = ApprovalPending
	return nil
}

// HasAttempt reports whether the triple was already tried.
func (p *Page) HasAttempt(key AttemptKey) bool {
	for _, a := range p.SearchAttempts {
		if a.Key() == key {
			return true
		}
	}
	return false
}

// AppendAttempt adds rec to the history, refusing duplicates.
func (p *Page) AppendAttempt(rec SearchAttemptRecord) error {
	if p.HasAttempt(rec.Key()) {
		return fmt.Errorf("%w: %s", ErrDuplicateAttempt, rec.Key())
	}
	p.SearchAttempts = append(p.SearchAttempts, rec)
	return nil
}
