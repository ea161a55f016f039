package domain

import (
	"net/url"
	"strings"
)

// ValidatePageURL checks that raw is an absolute http(s) URL.
func ValidatePageURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return NewValidationError("url", raw, ErrInvalidPage)
	}
	return nil
}

// ValidatePage checks page invariants.
func ValidatePage(p Page) error {
	if p.ID == "" {
		return NewValidationError("id", p.ID, ErrInvalidPage)
	}
	if err := ValidatePageURL(p.URL); err != nil {
		return err
	}
	if p.SearchID != nil && p.SearchStatus != SearchCompleted {
		return NewValidationError("searchId", *p.SearchID, ErrInvalidPage)
	}
	seen := make(map[AttemptKey]struct{}, len(p.SearchAttempts))
	for _, a := range p.SearchAttempts {
		k := a.Key()
		if _, dup := seen[k]; dup {
			return NewValidationError("searchAttempts", string(k), ErrDuplicateAttempt)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// ValidateJob checks a queue payload and fills defaults.
func ValidateJob(j Job) (Job, error) {
	if strings.TrimSpace(j.PageID) == "" {
		return j, NewValidationError("pageId", j.PageID, ErrInvalidJob)
	}
	if j.CredentialID == "" {
		j.CredentialID = DefaultCredentialID
	}
	if j.Strategy != "" {
		if _, err := ParseStrategy(string(j.Strategy)); err != nil {
			return j, err
		}
	}
	if j.Platform != "" {
		if _, err := ParsePlatform(string(j.Platform)); err != nil {
			return j, err
		}
	}
	return j, nil
}

// PageHost returns the hostname of the page URL.
func PageHost(p Page) string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
