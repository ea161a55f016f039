package domain

import (
	"fmt"
	"time"
)

// SearchRowStatus is the lifecycle state of a Search row.
type SearchRowStatus string

const (
	SearchRowPending   SearchRowStatus = "pending"
	SearchRowCompleted SearchRowStatus = "completed"
	SearchRowFailed    SearchRowStatus = "failed"
)

// Search is a persisted result of one backend execution.
type Search struct {
	ID             string          `json:"id"`
	Phrase         string          `json:"phrase"`
	Platform       Platform        `json:"platform"`
	PlatformConfig PlatformConfig  `json:"platformConfig"`
	ProductCount   int             `json:"productCount"`
	QualityScore   float64         `json:"qualityScore"`
	Status         SearchRowStatus `json:"status"`
	ErrorMessage   *string         `json:"errorMessage"`
	ExecutedAt     *time.Time      `json:"executedAt"`
	CredentialID   string          `json:"credentialId"`
	ResultsRef     string          `json:"resultsRef,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewSearch returns a pending search for the key.
func NewSearch(key SearchKey, credentialID string) Search {
	if credentialID == "" {
		credentialID = DefaultCredentialID
	}
	cfg := key.PlatformConfig
	if cfg == nil {
		cfg = PlatformConfig{}
	}
	return Search{
		ID:             key.ID(),
		Phrase:         key.Phrase,
		Platform:       key.Platform,
		PlatformConfig: cfg,
		Status:         SearchRowPending,
		CredentialID:   credentialID,
		CreatedAt:      time.Now().UTC(),
	}
}

// Key returns the uniqueness key of s.
func (s Search) Key() SearchKey {
	return SearchKey{Phrase: s.Phrase, Platform: s.Platform, PlatformConfig: s.PlatformConfig}
}

// Terminal reports whether s can no longer change.
func (s Search) Terminal() bool {
	return s.Status == SearchRowCompleted || s.Status == SearchRowFailed
}

// Complete records a successful execution.
func (s *Search) Complete(count int, score float64, ref string, at time.Time) error {
	if s.Status != SearchRowPending {
		return fmt.Errorf("%w: complete %s from %s", ErrSearchConflict, s.ID, s.Status)
	}
	s.Status = SearchRowCompleted
	s.ProductCount = count
	s.QualityScore = score
	s.ResultsRef = ref
	s.ErrorMessage = nil
	s.ExecutedAt = &at
	return nil
}

// Fail records a failed execution.
func (s *Search) Fail(msg string, at time.Time) error {
	if s.Status != SearchRowPending {
		return fmt.Errorf("%w: fail %s from %s", ErrSearchConflict, s.ID, s.Status)
	}
	s.Status = SearchRowFailed
	s.ErrorMessage = &msg
	s.ExecutedAt = &at
	return nil
}
