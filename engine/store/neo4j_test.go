package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }

// scriptedRunner answers each Run with the next scripted result.
type scriptedRunner struct {
	results []*mockResult
	cyphers []string
	params  []map[string]any
}

func (s *scriptedRunner) Run(_ context.Context, cypher string, params map[string]any) (repo.Result, error) {
	s.cyphers = append(s.cyphers, cypher)
	s.params = append(s.params, params)
	if len(s.results) == 0 {
		return &mockResult{}, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

func (s *scriptedRunner) Close(context.Context) error { return nil }

func nodeResult(props map[string]any, extra ...any) *mockResult {
	rec := &neo4j.Record{Keys: []string{"n"}, Values: []any{dbtype.Node{Props: props}}}
	if len(extra) == 2 {
		rec.Keys = append(rec.Keys, extra[0].(string))
		rec.Values = append(rec.Values, extra[1])
	}
	return &mockResult{records: []*neo4j.Record{rec}}
}

func newTestNeo4j(r *scriptedRunner) *Neo4j {
	return newNeo4j(nil, func(context.Context) repo.Runner { return r })
}

func TestNeo4jPageMapping(t *testing.T) {
	p := testPage("p1")
	fb := "less formal"
	p.KeywordFeedback = &fb
	p.SearchAttempts = []domain.SearchAttemptRecord{attempt("trail boots", 4)}

	props := pageToMap(p)
	if props["searchId"] != nil || props["keywordFeedback"] != "less formal" {
		t.Fatalf("unexpected optional props %v", props)
	}
	raw := props["attempts"].([]string)
	keys := props["attemptKeys"].([]string)
	if len(raw) != 1 || keys[0] != string(p.SearchAttempts[0].Key()) {
		t.Fatalf("unexpected attempt props %v %v", raw, keys)
	}

	// Neo4j returns lists as []any.
	props["attempts"] = []any{raw[0]}
	got, err := pageFromRecord(nodeResult(props).records[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Feedback() != fb || got.SearchID != nil || len(got.SearchAttempts) != 1 || got.SearchAttempts[0].ProductCount != 4 {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestNeo4jSearchMapping(t *testing.T) {
	s := domain.NewSearch(domain.SearchKey{Phrase: "cap", Platform: domain.PlatformMerchandise, PlatformConfig: domain.PlatformConfig{"audience": "Men"}}, "on3")
	if err := s.Complete(7, 0.7, "neo4j:Search/x", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	got, err := searchFromRecord(nodeResult(searchToMap(s)).records[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != s.ID || got.ProductCount != 7 || got.Status != domain.SearchRowCompleted || got.PlatformConfig["audience"] != "Men" || got.ExecutedAt == nil {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestNeo4jClaimPage(t *testing.T) {
	claimed := pageToMap(testPage("p1"))
	claimed["searchStatus"] = string(domain.SearchSearching)
	r := &scriptedRunner{results: []*mockResult{nodeResult(claimed)}}
	p, err := newTestNeo4j(r).ClaimPage(context.Background(), "p1", false)
	if err != nil {
		t.Fatal(err)
	}
	if p.SearchStatus != domain.SearchSearching {
		t.Fatalf("got %s", p.SearchStatus)
	}
	if !strings.Contains(r.cyphers[0], "WHERE $force OR n.searchStatus <> $searching") || r.params[0]["force"] != false {
		t.Fatalf("unexpected cypher %s %v", r.cyphers[0], r.params[0])
	}

	// Claim matches nothing, page exists: busy.
	r = &scriptedRunner{results: []*mockResult{{}, nodeResult(claimed)}}
	if _, err := newTestNeo4j(r).ClaimPage(context.Background(), "p1", false); !errors.Is(err, domain.ErrPageBusy) {
		t.Fatalf("expected ErrPageBusy, got %v", err)
	}

	// Claim matches nothing, page missing: not found.
	r = &scriptedRunner{}
	if _, err := newTestNeo4j(r).ClaimPage(context.Background(), "p1", false); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNeo4jAppendAttemptDuplicate(t *testing.T) {
	r := &scriptedRunner{results: []*mockResult{{}, nodeResult(pageToMap(testPage("p1")))}}
	_, err := newTestNeo4j(r).AppendAttempt(context.Background(), "p1", attempt("boots", 2))
	if !errors.Is(err, domain.ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}
	if r.params[0]["key"] != string(attempt("boots", 2).Key()) {
		t.Fatalf("unexpected key param %v", r.params[0]["key"])
	}
}

func TestNeo4jCreateSearchReuse(t *testing.T) {
	s := domain.NewSearch(domain.SearchKey{Phrase: "cap", Platform: domain.PlatformMarketplace}, "")
	r := &scriptedRunner{results: []*mockResult{nodeResult(searchToMap(s), "created", false)}}
	got, created, err := newTestNeo4j(r).CreateSearch(context.Background(), s)
	if err != nil || created || got.ID != s.ID {
		t.Fatalf("created=%v got=%+v err=%v", created, got, err)
	}
	if !strings.Contains(r.cyphers[0], "ON CREATE SET") {
		t.Fatalf("unexpected cypher %s", r.cyphers[0])
	}
}

func TestNeo4jCreateSearchSupersedesFailed(t *testing.T) {
	s := domain.NewSearch(domain.SearchKey{Phrase: "cap", Platform: domain.PlatformMarketplace}, "")
	r := &scriptedRunner{results: []*mockResult{nodeResult(searchToMap(s), "created", true)}}
	got, created, err := newTestNeo4j(r).CreateSearch(context.Background(), s)
	if err != nil || !created || got.Status != domain.SearchRowPending {
		t.Fatalf("created=%v got=%+v err=%v", created, got, err)
	}
	if r.params[0]["failed"] != string(domain.SearchRowFailed) {
		t.Fatalf("unexpected failed param %v", r.params[0]["failed"])
	}
	if !strings.Contains(r.cyphers[0], "n.status = $failed") {
		t.Fatalf("cypher does not replace failed rows: %s", r.cyphers[0])
	}
}

func TestNeo4jUpdateSearchConflict(t *testing.T) {
	s := domain.NewSearch(domain.SearchKey{Phrase: "cap", Platform: domain.PlatformMarketplace}, "")
	done := s
	_ = done.Fail("no results after 8 attempts", time.Now())
	r := &scriptedRunner{results: []*mockResult{{}, nodeResult(searchToMap(done))}}
	if err := newTestNeo4j(r).UpdateSearch(context.Background(), s); !errors.Is(err, domain.ErrSearchConflict) {
		t.Fatalf("expected ErrSearchConflict, got %v", err)
	}
}

func TestNeo4jUpdatePageLinksSelection(t *testing.T) {
	p := testPage("p1")
	p.SearchStatus = domain.SearchCompleted
	id := "s1"
	p.SearchID = &id
	r := &scriptedRunner{results: []*mockResult{nodeResult(pageToMap(p))}}
	if err := newTestNeo4j(r).UpdatePage(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if len(r.cyphers) != 3 || !strings.Contains(r.cyphers[2], "MERGE (p)-[:SELECTED]->(s)") || r.params[2]["search"] != "s1" {
		t.Fatalf("unexpected statements %v", r.cyphers)
	}
}
