package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSearchKeyIsStable(t *testing.T) {
	a := SearchKey{Phrase: "Ohio State  Buckeyes merchandise", Platform: PlatformMerchandise, PlatformConfig: PlatformConfig{"audience": "All"}}
	b := SearchKey{Phrase: "ohio state buckeyes merchandise", Platform: PlatformMerchandise, PlatformConfig: PlatformConfig{"audience": "All"}}
	if a.ID() != b.ID() {
		t.Fatal("equivalent keys must share an ID")
	}
	c := b
	c.Platform = PlatformMarketplace
	if c.ID() == b.ID() {
		t.Fatal("platform is part of the key")
	}
}

func TestPlatformConfigCanonical(t *testing.T) {
	var empty PlatformConfig
	if empty.Canonical() != "{}" {
		t.Fatalf("got %s", empty.Canonical())
	}
	c := PlatformConfig{"b": "2", "a": "1"}
	if c.Canonical() != `{"a":"1","b":"2"}` {
		t.Fatalf("got %s", c.Canonical())
	}
	merged := c.Merge(PlatformConfig{"b": "3"})
	if merged["b"] != "3" || c["b"] != "2" {
		t.Fatal("Merge must copy")
	}
}

func TestSearchTransitions(t *testing.T) {
	s := NewSearch(SearchKey{Phrase: "fan gear", Platform: PlatformMarketplace}, "")
	if s.CredentialID != DefaultCredentialID || s.Status != SearchRowPending || s.PlatformConfig == nil {
		t.Fatalf("got %+v", s)
	}
	now := time.Now()
	if err := s.Complete(35, 0.8, "ref", now); err != nil {
		t.Fatal(err)
	}
	if !s.Terminal() || s.ProductCount != 35 {
		t.Fatalf("got %+v", s)
	}
	if err := s.Fail("late", now); !errors.Is(err, ErrSearchConflict) {
		t.Fatalf("terminal search must be immutable, got %v", err)
	}
}

func TestProviderErrorClassification(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := fmt.Errorf("page 1: %w", NewProviderError(PlatformMarketplace, "search", 0, ErrNetwork, cause))
	if !IsTransient(err) || IsPermanentProvider(err) {
		t.Fatal("network errors are transient")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable")
	}
	if ErrorClass(err) != "network" {
		t.Fatalf("got %s", ErrorClass(err))
	}

	perm := NewProviderError(PlatformMerchandise, "search", 401, ErrCredentialRejected, nil)
	if IsTransient(perm) || !IsPermanentProvider(perm) {
		t.Fatal("rejected credentials are permanent")
	}
	if perm.Error() != "fanatics: search: provider credentials rejected (status 401)" {
		t.Fatalf("got %q", perm.Error())
	}
	if ErrorClass(NewProviderError(PlatformShoppingEngine, "search", 429, ErrRateLimited, nil)) != "rate_limited" {
		t.Fatal("429 should classify as rate_limited")
	}
}

func TestParseHelpers(t *testing.T) {
	if p, err := ParsePlatform(" Fanatics "); err != nil || p != PlatformMerchandise {
		t.Fatalf("got %s %v", p, err)
	}
	if _, err := ParsePlatform("ebay"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("got %v", err)
	}
	if s, err := ParseStrategy(""); err != nil || s != StrategyProgressive {
		t.Fatalf("got %s %v", s, err)
	}
	if _, err := ParseStrategy("random"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("got %v", err)
	}
}

func TestValidateJob(t *testing.T) {
	j, err := ValidateJob(Job{PageID: "p1"})
	if err != nil || j.CredentialID != DefaultCredentialID {
		t.Fatalf("got %+v %v", j, err)
	}
	if _, err := ValidateJob(Job{}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("got %v", err)
	}
	if _, err := ValidateJob(Job{PageID: "p1", Platform: "ebay"}); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("got %v", err)
	}
}

func TestPageHost(t *testing.T) {
	if h := PageHost(Page{URL: "https://dev.www.on3.com/a"}); h != "dev.www.on3.com" {
		t.Fatalf("got %s", h)
	}
}
