// Package domain defines the Page and Search entities, their lifecycle
// transitions, the normalized Product shape, and the error taxonomy shared
// by every engine package.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Platform tags one commerce backend.
type Platform string

const (
	// PlatformMarketplace is the Amazon Product Advertising API.
	PlatformMarketplace Platform = "amazon"
	// PlatformShoppingEngine is Google Shopping through SerpAPI.
	PlatformShoppingEngine Platform = "google_shopping"
	// PlatformMerchandise is the Fanatics catalog through the Impact API.
	PlatformMerchandise Platform = "fanatics"
)

// Platforms lists every supported platform in selection order.
var Platforms = []Platform{PlatformMarketplace, PlatformShoppingEngine, PlatformMerchandise}

// ParsePlatform returns the platform for a tag.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", NewValidationError("platform", s, ErrUnknownPlatform)
}

// ApprovalStatus is the state of a human approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// SearchStatus is the search lifecycle state of a Page.
type SearchStatus string

const (
	SearchPending   SearchStatus = "pending"
	SearchSearching SearchStatus = "searching"
	SearchCompleted SearchStatus = "completed"
	SearchFailed    SearchStatus = "failed"
)

// Strategy selects how a session explores platforms and phrases.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyProgressive   Strategy = "progressive"
	StrategyMultiPlatform Strategy = "multi_platform"
)

// DefaultStrategy is assigned to new pages.
const DefaultStrategy = StrategyProgressive

// ParseStrategy returns the strategy for a label, defaulting empty input.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.TrimSpace(s)); st {
	case "":
		return DefaultStrategy, nil
	case StrategySingle, StrategyProgressive, StrategyMultiPlatform:
		return st, nil
	default:
		return "", NewValidationError("strategy", s, ErrUnknownStrategy)
	}
}

// DefaultCredentialID selects the default provider account.
const DefaultCredentialID = "default"

// PlatformConfig is an opaque per-platform parameter map.
type PlatformConfig map[string]string

// Canonical returns the stable JSON encoding used for comparison and keys.
func (c PlatformConfig) Canonical() string {
	if len(c) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string(c)) // map keys are emitted sorted
	return string(b)
}

// Merge returns a copy of c overlaid with o.
func (c PlatformConfig) Merge(o PlatformConfig) PlatformConfig {
	out := make(PlatformConfig, len(c)+len(o))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Equal reports whether both configs hold the same pairs.
func (c PlatformConfig) Equal(o PlatformConfig) bool {
	return c.Canonical() == o.Canonical()
}

// SearchAttemptRecord is an immutable log entry of one executed attempt.
type SearchAttemptRecord struct {
	Platform       Platform       `json:"platform"`
	Keywords       string         `json:"keywords"`
	PlatformConfig PlatformConfig `json:"platformConfig"`
	ProductCount   int            `json:"productCount"`
	QualityScore   float64        `json:"qualityScore"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Key returns the de-duplication key of the attempt.
func (r SearchAttemptRecord) Key() AttemptKey {
	return NewAttemptKey(r.Platform, r.Keywords, r.PlatformConfig)
}

// Job is the orchestration queue payload.
type Job struct {
	PageID       string   `json:"pageId"`
	CredentialID string   `json:"credentialId"`
	ForceRefresh bool     `json:"forceRefresh,omitempty"`
	Strategy     Strategy `json:"strategy,omitempty"`
	Platform     Platform `json:"platform,omitempty"`
}
