package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// Neo4j stores pages and searches as graph nodes. A page points at its
// chosen search through a SELECTED relationship; products live on the
// Search node as a JSON property.
type Neo4j struct {
	driver   neo4j.DriverWithContext
	pages    *repo.Neo4jRepo[domain.Page, string]
	searches *repo.Neo4jRepo[domain.Search, string]
}

var _ Store = (*Neo4j)(nil)

// NewNeo4j creates the graph store on driver.
func NewNeo4j(driver neo4j.DriverWithContext) *Neo4j {
	return newNeo4j(driver, nil)
}

func newNeo4j(driver neo4j.DriverWithContext, sessions func(context.Context) repo.Runner) *Neo4j {
	var (
		pageOpts   []repo.Neo4jOption[domain.Page, string]
		searchOpts []repo.Neo4jOption[domain.Search, string]
	)
	if sessions != nil {
		pageOpts = append(pageOpts, repo.WithSessions[domain.Page, string](sessions))
		searchOpts = append(searchOpts, repo.WithSessions[domain.Search, string](sessions))
	}
	return &Neo4j{
		driver:   driver,
		pages:    repo.NewNeo4jRepo[domain.Page, string](driver, "Page", pageToMap, pageFromRecord, pageOpts...),
		searches: repo.NewNeo4jRepo[domain.Search, string](driver, "Search", searchToMap, searchFromRecord, searchOpts...),
	}
}

// EnsureSchema creates the uniqueness constraints.
func (s *Neo4j) EnsureSchema(ctx context.Context) error {
	for _, c := range []string{
		"CREATE CONSTRAINT page_id IF NOT EXISTS FOR (n:Page) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT page_url IF NOT EXISTS FOR (n:Page) REQUIRE n.url IS UNIQUE",
		"CREATE CONSTRAINT search_id IF NOT EXISTS FOR (n:Search) REQUIRE n.id IS UNIQUE",
	} {
		if err := s.pages.Exec(ctx, c, nil); err != nil {
			return fmt.Errorf("store: neo4j schema: %w", err)
		}
	}
	return nil
}

func (s *Neo4j) Close() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(context.Background())
}

func notFound(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
	}
	return err
}

func (s *Neo4j) CreatePage(ctx context.Context, p domain.Page) error {
	if err := domain.ValidatePage(p); err != nil {
		return err
	}
	if _, err := s.FindPageByURL(ctx, p.URL); err == nil {
		return fmt.Errorf("%w: url %s", ErrPageExists, p.URL)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	_, created, err := s.pages.CreateIfAbsent(ctx, p)
	if err != nil {
		return fmt.Errorf("store: create page: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: id %s", ErrPageExists, p.ID)
	}
	return nil
}

func (s *Neo4j) GetPage(ctx context.Context, id string) (domain.Page, error) {
	p, err := s.pages.Get(ctx, id)
	return p, notFound(err, "page", id)
}

func (s *Neo4j) FindPageByURL(ctx context.Context, url string) (domain.Page, error) {
	items, err := s.pages.Query(ctx, "MATCH (n:Page {url: $url}) RETURN n", map[string]any{"url": url})
	if err != nil {
		return domain.Page{}, fmt.Errorf("store: find page: %w", err)
	}
	if len(items) == 0 {
		return domain.Page{}, fmt.Errorf("%w: page url %s", domain.ErrNotFound, url)
	}
	return items[0], nil
}

func (s *Neo4j) ListPages(ctx context.Context, f PageFilter) ([]domain.Page, error) {
	filter := map[string]any{}
	if f.SearchStatus != "" {
		filter["searchStatus"] = string(f.SearchStatus)
	}
	if f.KeywordStatus != "" {
		filter["keywordStatus"] = string(f.KeywordStatus)
	}
	out, err := s.pages.List(ctx, repo.ListOpts{Offset: f.Offset, Limit: limitOr(f.Limit), Filter: filter, OrderBy: "createdAt", Desc: true})
	if out == nil {
		out = []domain.Page{}
	}
	return out, err
}

func (s *Neo4j) UpdatePage(ctx context.Context, p domain.Page) error {
	if err := domain.ValidatePage(p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	items, err := s.pages.Query(ctx, "MATCH (n:Page {id: $id}) SET n += $props RETURN n",
		map[string]any{"id": p.ID, "props": pageToMap(p)})
	if err != nil {
		return fmt.Errorf("store: update page: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: page %s", domain.ErrNotFound, p.ID)
	}

	err = s.pages.Exec(ctx, "MATCH (p:Page {id: $id})-[r:SELECTED]->() DELETE r", map[string]any{"id": p.ID})
	if err == nil && p.SearchID != nil {
		err = s.pages.Exec(ctx, "MATCH (p:Page {id: $id}), (s:Search {id: $search}) MERGE (p)-[:SELECTED]->(s)",
			map[string]any{"id": p.ID, "search": *p.SearchID})
	}
	if err != nil {
		return fmt.Errorf("store: link selected search: %w", err)
	}
	return nil
}

func (s *Neo4j) ClaimPage(ctx context.Context, id string, force bool) (domain.Page, error) {
	items, err := s.pages.Query(ctx, `MATCH (n:Page {id: $id}) WHERE $force OR n.searchStatus <> $searching
		SET n.searchStatus = $searching, n.searchId = null, n.searchIdStatus = $pending, n.updatedAt = $now
		RETURN n`, map[string]any{
		"id":        id,
		"force":     force,
		"searching": string(domain.SearchSearching),
		"pending":   string(domain.ApprovalPending),
		"now":       formatTime(time.Now().UTC()),
	})
	if err != nil {
		return domain.Page{}, fmt.Errorf("store: claim page: %w", err)
	}
	if len(items) == 1 {
		return items[0], nil
	}
	if _, err := s.GetPage(ctx, id); err != nil {
		return domain.Page{}, err
	}
	return domain.Page{}, domain.ErrPageBusy
}

func (s *Neo4j) AppendAttempt(ctx context.Context, id string, rec domain.SearchAttemptRecord) (domain.Page, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return domain.Page{}, fmt.Errorf("store: encode attempt: %w", err)
	}
	key := string(rec.Key())
	items, err := s.pages.Query(ctx, `MATCH (n:Page {id: $id}) WHERE NOT $key IN coalesce(n.attemptKeys, [])
		SET n.attempts = coalesce(n.attempts, []) + $attempt,
		    n.attemptKeys = coalesce(n.attemptKeys, []) + $key,
		    n.updatedAt = $now
		RETURN n`, map[string]any{"id": id, "key": key, "attempt": string(b), "now": formatTime(time.Now().UTC())})
	if err != nil {
		return domain.Page{}, fmt.Errorf("store: append attempt: %w", err)
	}
	if len(items) == 1 {
		return items[0], nil
	}
	if _, err := s.GetPage(ctx, id); err != nil {
		return domain.Page{}, err
	}
	return domain.Page{}, fmt.Errorf("%w: %s", domain.ErrDuplicateAttempt, key)
}

// createSearch merges the row and overwrites it only when the stored row
// failed. Setting a marker on match takes the node lock before the status
// is read.
const createSearch = `MERGE (n:Search {id: $id})
ON CREATE SET n += $props, n.fresh = true
ON MATCH SET n.fresh = false
WITH n, n.fresh AS fresh
WITH n, fresh, NOT fresh AND n.status = $failed AS stale
FOREACH (_ IN CASE WHEN stale THEN [1] ELSE [] END | SET n += $props REMOVE n.products)
REMOVE n.fresh
RETURN n, fresh OR stale AS created`

func (s *Neo4j) CreateSearch(ctx context.Context, row domain.Search) (domain.Search, bool, error) {
	sess := s.searches.Session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, createSearch, map[string]any{
		"id":     row.ID,
		"props":  searchToMap(row),
		"failed": string(domain.SearchRowFailed),
	})
	if err != nil {
		return domain.Search{}, false, fmt.Errorf("store: create search: %w", err)
	}
	if !res.Next(ctx) {
		return domain.Search{}, false, fmt.Errorf("store: create search %s returned nothing", row.ID)
	}
	rec := res.Record()
	stored, err := searchFromRecord(rec)
	if err != nil {
		return domain.Search{}, false, fmt.Errorf("store: create search: %w", err)
	}
	created, _, err := neo4j.GetRecordValue[bool](rec, "created")
	if err != nil {
		return domain.Search{}, false, fmt.Errorf("store: create search: %w", err)
	}
	return stored, created, nil
}

func (s *Neo4j) GetSearch(ctx context.Context, id string) (domain.Search, error) {
	row, err := s.searches.Get(ctx, id)
	return row, notFound(err, "search", id)
}

func (s *Neo4j) UpdateSearch(ctx context.Context, row domain.Search) error {
	items, err := s.searches.Query(ctx, "MATCH (n:Search {id: $id}) WHERE n.status = $pending SET n += $props RETURN n",
		map[string]any{"id": row.ID, "pending": string(domain.SearchRowPending), "props": searchToMap(row)})
	if err != nil {
		return fmt.Errorf("store: update search: %w", err)
	}
	if len(items) == 1 {
		return nil
	}
	cur, err := s.GetSearch(ctx, row.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrSearchConflict, row.ID, cur.Status)
}

func (s *Neo4j) ListSearches(ctx context.Context, f SearchFilter) ([]domain.Search, error) {
	filter := map[string]any{}
	if f.Platform != "" {
		filter["platform"] = string(f.Platform)
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	out, err := s.searches.List(ctx, repo.ListOpts{Offset: f.Offset, Limit: limitOr(f.Limit), Filter: filter, OrderBy: "createdAt", Desc: true})
	if out == nil {
		out = []domain.Search{}
	}
	return out, err
}

func (s *Neo4j) SaveResults(ctx context.Context, searchID string, products []domain.Product) (string, error) {
	b, err := json.Marshal(products)
	if err != nil {
		return "", fmt.Errorf("store: encode results: %w", err)
	}
	items, err := s.searches.Query(ctx, "MATCH (n:Search {id: $id}) SET n.products = $products RETURN n",
		map[string]any{"id": searchID, "products": string(b)})
	if err != nil {
		return "", fmt.Errorf("store: save results: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: search %s", domain.ErrNotFound, searchID)
	}
	return "neo4j:Search/" + searchID, nil
}

func (s *Neo4j) LoadResults(ctx context.Context, searchID string) ([]domain.Product, error) {
	sess := s.searches.Session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, "MATCH (n:Search {id: $id}) RETURN n.products AS products", map[string]any{"id": searchID})
	if err != nil {
		return nil, fmt.Errorf("store: load results: %w", err)
	}
	if !res.Next(ctx) {
		return nil, fmt.Errorf("%w: results %s", domain.ErrNotFound, searchID)
	}
	raw, isNil, err := neo4j.GetRecordValue[string](res.Record(), "products")
	if err != nil || isNil {
		return nil, fmt.Errorf("%w: results %s", domain.ErrNotFound, searchID)
	}
	var out []domain.Product
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("store: decode results: %w", err)
	}
	return out, nil
}

func pageToMap(p domain.Page) map[string]any {
	attempts := make([]string, 0, len(p.SearchAttempts))
	keys := make([]string, 0, len(p.SearchAttempts))
	for _, a := range p.SearchAttempts {
		b, _ := json.Marshal(a)
		attempts = append(attempts, string(b))
		keys = append(keys, string(a.Key()))
	}
	return map[string]any{
		"id":               p.ID,
		"url":              p.URL,
		"textRef":          p.TextContentRef,
		"proposedKeywords": p.ProposedKeywords,
		"keywordStatus":    string(p.KeywordStatus),
		"keywordFeedback":  optional(p.KeywordFeedback),
		"searchId":         optional(p.SearchID),
		"searchIdStatus":   string(p.SearchIDStatus),
		"searchStatus":     string(p.SearchStatus),
		"searchStrategy":   string(p.SearchStrategy),
		"attempts":         attempts,
		"attemptKeys":      keys,
		"createdAt":        formatTime(p.CreatedAt),
		"updatedAt":        formatTime(p.UpdatedAt),
	}
}

func pageFromRecord(rec *neo4j.Record) (domain.Page, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Page{}, err
	}
	props := node.Props
	p := domain.Page{
		ID:               strProp(props, "id"),
		URL:              strProp(props, "url"),
		TextContentRef:   strProp(props, "textRef"),
		ProposedKeywords: strProp(props, "proposedKeywords"),
		KeywordStatus:    domain.ApprovalStatus(strProp(props, "keywordStatus")),
		KeywordFeedback:  optProp(props, "keywordFeedback"),
		SearchID:         optProp(props, "searchId"),
		SearchIDStatus:   domain.ApprovalStatus(strProp(props, "searchIdStatus")),
		SearchStatus:     domain.SearchStatus(strProp(props, "searchStatus")),
		SearchStrategy:   domain.Strategy(strProp(props, "searchStrategy")),
		SearchAttempts:   []domain.SearchAttemptRecord{},
		CreatedAt:        parseTime(strProp(props, "createdAt")),
		UpdatedAt:        parseTime(strProp(props, "updatedAt")),
	}
	raw, _ := props["attempts"].([]any)
	for _, r := range raw {
		s, _ := r.(string)
		var a domain.SearchAttemptRecord
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return p, fmt.Errorf("store: decode attempt of %s: %w", p.ID, err)
		}
		p.SearchAttempts = append(p.SearchAttempts, a)
	}
	return p, nil
}

func searchToMap(s domain.Search) map[string]any {
	var executed any
	if s.ExecutedAt != nil {
		executed = formatTime(*s.ExecutedAt)
	}
	return map[string]any{
		"id":             s.ID,
		"phrase":         s.Phrase,
		"platform":       string(s.Platform),
		"platformConfig": s.PlatformConfig.Canonical(),
		"productCount":   int64(s.ProductCount),
		"qualityScore":   s.QualityScore,
		"status":         string(s.Status),
		"errorMessage":   optional(s.ErrorMessage),
		"executedAt":     executed,
		"credentialId":   s.CredentialID,
		"resultsRef":     s.ResultsRef,
		"createdAt":      formatTime(s.CreatedAt),
	}
}

func searchFromRecord(rec *neo4j.Record) (domain.Search, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Search{}, err
	}
	props := node.Props
	s := domain.Search{
		ID:           strProp(props, "id"),
		Phrase:       strProp(props, "phrase"),
		Platform:     domain.Platform(strProp(props, "platform")),
		Status:       domain.SearchRowStatus(strProp(props, "status")),
		ErrorMessage: optProp(props, "errorMessage"),
		CredentialID: strProp(props, "credentialId"),
		ResultsRef:   strProp(props, "resultsRef"),
		CreatedAt:    parseTime(strProp(props, "createdAt")),
	}
	if err := json.Unmarshal([]byte(firstOr(strProp(props, "platformConfig"), "{}")), &s.PlatformConfig); err != nil {
		return s, fmt.Errorf("store: decode config of %s: %w", s.ID, err)
	}
	if n, ok := props["productCount"].(int64); ok {
		s.ProductCount = int(n)
	}
	if q, ok := props["qualityScore"].(float64); ok {
		s.QualityScore = q
	}
	if e := optProp(props, "executedAt"); e != nil {
		t := parseTime(*e)
		s.ExecutedAt = &t
	}
	return s, nil
}

func strProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func optProp(props map[string]any, key string) *string {
	s, ok := props[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func optional(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func firstOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
