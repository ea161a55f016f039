// Package store persists pages, searches, and search results. Memory,
// SQLite, and Neo4j implementations share one contract.
package store

import (
	"context"
	"errors"

	"github.com/WessleyAI/shopsearch/engine/domain"
)

// ErrPageExists is returned by CreatePage for a duplicate ID or URL.
var ErrPageExists = errors.New("store: page already exists")

// PageFilter narrows ListPages. Zero values match everything.
type PageFilter struct {
	SearchStatus  domain.SearchStatus
	KeywordStatus domain.ApprovalStatus
	Offset        int
	Limit         int
}

// SearchFilter narrows ListSearches.
type SearchFilter struct {
	Platform domain.Platform
	Status   domain.SearchRowStatus
	Offset   int
	Limit    int
}

// Pages persists Page records.
type Pages interface {
	CreatePage(ctx context.Context, p domain.Page) error
	GetPage(ctx context.Context, id string) (domain.Page, error)
	FindPageByURL(ctx context.Context, url string) (domain.Page, error)
	ListPages(ctx context.Context, f PageFilter) ([]domain.Page, error)
	// UpdatePage overwrites every field of the stored page.
	UpdatePage(ctx context.Context, p domain.Page) error
	// ClaimPage atomically moves the page to searching. A page already
	// searching yields domain.ErrPageBusy unless force is set.
	ClaimPage(ctx context.Context, id string, force bool) (domain.Page, error)
	// AppendAttempt atomically adds rec, refusing duplicate triples with
	// domain.ErrDuplicateAttempt, and returns the updated page.
	AppendAttempt(ctx context.Context, id string, rec domain.SearchAttemptRecord) (domain.Page, error)
}

// Searches persists Search rows.
type Searches interface {
	// CreateSearch inserts s unless a row with its ID exists, returning the
	// stored row and whether this call created it. A failed row is replaced
	// by s and reported as created.
	CreateSearch(ctx context.Context, s domain.Search) (domain.Search, bool, error)
	GetSearch(ctx context.Context, id string) (domain.Search, error)
	// UpdateSearch writes s only while the stored row is pending; a
	// terminal row yields domain.ErrSearchConflict.
	UpdateSearch(ctx context.Context, s domain.Search) error
	ListSearches(ctx context.Context, f SearchFilter) ([]domain.Search, error)
}

// Results persists the products of a completed search.
type Results interface {
	SaveResults(ctx context.Context, searchID string, products []domain.Product) (string, error)
	LoadResults(ctx context.Context, searchID string) ([]domain.Product, error)
}

// Store is the full persistence contract.
type Store interface {
	Pages
	Searches
	Results
	Close() error
}

const defaultLimit = 100

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

func clonePage(p domain.Page) domain.Page {
	if p.KeywordFeedback != nil {
		v := *p.KeywordFeedback
		p.KeywordFeedback = &v
	}
	if p.SearchID != nil {
		v := *p.SearchID
		p.SearchID = &v
	}
	attempts := make([]domain.SearchAttemptRecord, len(p.SearchAttempts))
	for i, a := range p.SearchAttempts {
		a.PlatformConfig = a.PlatformConfig.Merge(nil)
		attempts[i] = a
	}
	p.SearchAttempts = attempts
	return p
}

func cloneSearch(s domain.Search) domain.Search {
	s.PlatformConfig = s.PlatformConfig.Merge(nil)
	if s.ErrorMessage != nil {
		v := *s.ErrorMessage
		s.ErrorMessage = &v
	}
	if s.ExecutedAt != nil {
		v := *s.ExecutedAt
		s.ExecutedAt = &v
	}
	return s
}

func matchPage(p domain.Page, f PageFilter) bool {
	return (f.SearchStatus == "" || p.SearchStatus == f.SearchStatus) &&
		(f.KeywordStatus == "" || p.KeywordStatus == f.KeywordStatus)
}

func matchSearch(s domain.Search, f SearchFilter) bool {
	return (f.Platform == "" || s.Platform == f.Platform) &&
		(f.Status == "" || s.Status == f.Status)
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit := limitOr(limit); len(items) > limit {
		items = items[:limit]
	}
	return items
}
