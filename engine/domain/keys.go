package domain

import (
	"strings"

	"github.com/google/uuid"
)

// searchNamespace scopes deterministic search IDs.
var searchNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shopsearch/search"))

// NormalizePhrase lowercases and collapses whitespace for comparison.
func NormalizePhrase(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// AttemptKey identifies a (platform, keywords, config) triple.
type AttemptKey string

// NewAttemptKey builds the de-duplication key of a triple.
func NewAttemptKey(p Platform, keywords string, cfg PlatformConfig) AttemptKey {
	return AttemptKey(string(p) + "|" + NormalizePhrase(keywords) + "|" + cfg.Canonical())
}

// SearchKey is the uniqueness key of a Search row.
type SearchKey struct {
	Phrase         string
	Platform       Platform
	PlatformConfig PlatformConfig
}

// String returns the canonical key text.
func (k SearchKey) String() string {
	return NormalizePhrase(k.Phrase) + "|" + string(k.Platform) + "|" + k.PlatformConfig.Canonical()
}

// ID returns the deterministic Search ID for the key.
func (k SearchKey) ID() string {
	return uuid.NewSHA1(searchNamespace, []byte(k.String())).String()
}
