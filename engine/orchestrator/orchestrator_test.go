package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/shopsearch/engine/advisor"
	"github.com/WessleyAI/shopsearch/engine/approval"
	"github.com/WessleyAI/shopsearch/engine/backend"
	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/engine/keywords"
	"github.com/WessleyAI/shopsearch/engine/store"
	"github.com/WessleyAI/shopsearch/pkg/metrics"
)

var testConfig = domain.PlatformConfig{"index": "All"}

// fakeBackend answers searches from a phrase → count table.
type fakeBackend struct {
	platform domain.Platform
	counts   map[string]int
	errs     map[string]error
	advise   func(in advisor.Input) advisor.Advice
	prepared func()

	mu    sync.Mutex
	calls []string
}

func newFake(p domain.Platform, counts map[string]int) *fakeBackend {
	return &fakeBackend{platform: p, counts: counts, errs: map[string]error{}}
}

func (f *fakeBackend) Platform() domain.Platform { return f.platform }

func (f *fakeBackend) PrepareConfig(context.Context, string, string) domain.PlatformConfig {
	if f.prepared != nil {
		f.prepared()
	}
	return testConfig.Merge(nil)
}

func (f *fakeBackend) Search(_ context.Context, phrase string, _ domain.PlatformConfig, _ string) (backend.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, phrase)
	f.mu.Unlock()
	if err := f.errs[phrase]; err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Platform: f.platform, Products: makeProducts(phrase, f.counts[phrase])}, nil
}

func (f *fakeBackend) AssessQuality(_ context.Context, products []domain.Product, _ string) float64 {
	if len(products) == 0 {
		return 0
	}
	return 0.6
}

func (f *fakeBackend) SuggestNext(_ context.Context, in advisor.Input) advisor.Advice {
	if f.advise == nil {
		return advisor.Advice{Action: advisor.ActionStop, Reason: "done"}
	}
	return f.advise(in)
}

func (f *fakeBackend) searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func makeProducts(prefix string, n int) []domain.Product {
	out := make([]domain.Product, n)
	for i := range out {
		out[i] = domain.Product{Position: i + 1, Title: fmt.Sprintf("%s %d", prefix, i+1)}
	}
	return out
}

type fakeBackends []*fakeBackend

func (f fakeBackends) Get(p domain.Platform) (backend.Backend, error) {
	for _, b := range f {
		if b.platform == p {
			return b, nil
		}
	}
	return nil, domain.NewValidationError("platform", string(p), domain.ErrUnknownPlatform)
}

func (f fakeBackends) All() []backend.Backend {
	out := make([]backend.Backend, len(f))
	for i, b := range f {
		out[i] = b
	}
	return out
}

func (f fakeBackends) PlatformForHost(host string) domain.Platform {
	if strings.HasSuffix(host, "on3.com") {
		return domain.PlatformMerchandise
	}
	return domain.PlatformMarketplace
}

type stubGenerator struct {
	phrase string
	err    error
	reqs   []keywords.Request
}

func (g *stubGenerator) Generate(_ context.Context, req keywords.Request) (string, error) {
	g.reqs = append(g.reqs, req)
	return g.phrase, g.err
}

type stubArticles struct{}

func (stubArticles) ArticleText(context.Context, domain.Page) (string, error) {
	return "A long read about trail boots for the coming season.", nil
}

type recordingChannel struct {
	mu       sync.Mutex
	keywords []approval.KeywordProposal
	results  []approval.ResultsProposal
}

func (r *recordingChannel) ProposeKeywords(_ context.Context, p approval.KeywordProposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keywords = append(r.keywords, p)
	return nil
}

func (r *recordingChannel) ProposeResults(_ context.Context, p approval.ResultsProposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, p)
	return nil
}

type harness struct {
	store    *store.Memory
	gen      *stubGenerator
	channel  *recordingChannel
	metrics  *metrics.Registry
	backends fakeBackends
}

func newHarness(backends ...*fakeBackend) *harness {
	return &harness{
		store:    store.NewMemory(),
		gen:      &stubGenerator{phrase: "trail boots"},
		channel:  &recordingChannel{},
		metrics:  metrics.New(),
		backends: backends,
	}
}

func (h *harness) orchestrator(opts Options) *Orchestrator {
	return New(Deps{
		Store:    h.store,
		Keywords: h.gen,
		Articles: stubArticles{},
		Backends: h.backends,
		Approval: h.channel,
		Metrics:  h.metrics,
	}, opts)
}

func (h *harness) approvedPage(t *testing.T, id string, strategy domain.Strategy) domain.Page {
	t.Helper()
	p := domain.NewPage(id, "https://www.on3.com/news/"+id, "", strategy)
	if err := p.ProposeKeywords("trail boots"); err != nil {
		t.Fatal(err)
	}
	if err := p.ApproveKeywords(); err != nil {
		t.Fatal(err)
	}
	if err := h.store.CreatePage(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func (h *harness) page(t *testing.T, id string) domain.Page {
	t.Helper()
	p, err := h.store.GetPage(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func widenTo(phrase string) func(advisor.Input) advisor.Advice {
	return func(in advisor.Input) advisor.Advice {
		return advisor.Advice{Action: advisor.ActionWidenKeywords, Reason: "broader", NewKeywords: phrase}
	}
}

func TestRunFirstAttemptReachesTarget(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 35})
	h := newHarness(be)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.ProductCount != 35 || out.Attempts != 1 || out.StopReason != stopTarget {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Platform != domain.PlatformMerchandise {
		t.Fatalf("host routing: got %s", out.Platform)
	}

	p := h.page(t, "p1")
	if p.SearchStatus != domain.SearchCompleted || p.SearchID == nil || *p.SearchID != out.SearchID {
		t.Fatalf("unexpected page %+v", p)
	}
	if len(p.SearchAttempts) != 1 || p.SearchAttempts[0].ProductCount != 35 {
		t.Fatalf("attempts %+v", p.SearchAttempts)
	}
	row, err := h.store.GetSearch(context.Background(), out.SearchID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != domain.SearchRowCompleted || row.ProductCount != 35 || row.ResultsRef == "" {
		t.Fatalf("unexpected search %+v", row)
	}
	products, err := h.store.LoadResults(context.Background(), row.ID)
	if err != nil || len(products) != 35 || products[34].Position != 35 {
		t.Fatalf("stored results: %d %v", len(products), err)
	}
	if len(h.channel.results) != 1 || len(h.channel.results[0].Preview) != approval.PreviewSize {
		t.Fatalf("results proposal %+v", h.channel.results)
	}
	done := h.metrics.Counter(metrics.WithLabels("shopsearch_runs_total", "status", "completed"), "")
	if done.Value() != 1 {
		t.Fatalf("runs counter %d", done.Value())
	}
}

func TestRunWidensAfterEmptyAttempt(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 0, "boots": 22})
	be.advise = widenTo("boots")
	h := newHarness(be)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.Keywords != "boots" || out.ProductCount != 22 || out.Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	p := h.page(t, "p1")
	if len(p.SearchAttempts) != 2 || p.SearchAttempts[0].ProductCount != 0 || p.SearchAttempts[1].Keywords != "boots" {
		t.Fatalf("attempts %+v", p.SearchAttempts)
	}
}

func TestRunStopsAtCeilingWithBestAttempt(t *testing.T) {
	counts := map[string]int{"trail boots": 3, "kw1": 10, "kw2": 1, "kw3": 4, "kw4": 2, "kw5": 5, "kw6": 6, "kw7": 7}
	be := newFake(domain.PlatformMerchandise, counts)
	be.advise = func(in advisor.Input) advisor.Advice {
		return advisor.Advice{Action: advisor.ActionWidenKeywords, NewKeywords: fmt.Sprintf("kw%d", len(in.History))}
	}
	h := newHarness(be)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Attempts != advisor.MaxAttempts || out.StopReason != stopCeiling {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Keywords != "kw1" || out.ProductCount != 10 {
		t.Fatalf("best attempt not kept: %+v", out)
	}
	if got := len(h.page(t, "p1").SearchAttempts); got != advisor.MaxAttempts {
		t.Fatalf("recorded %d attempts", got)
	}
	if calls := be.searched(); len(calls) != advisor.MaxAttempts {
		t.Fatalf("provider calls %v", calls)
	}
}

func TestRunStopsWhenAdvisorRepeats(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 5})
	be.advise = widenTo("Trail  Boots")
	h := newHarness(be)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.Attempts != 1 || out.StopReason != stopExhausted || out.ProductCount != 5 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRunWithoutResultsFailsPage(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{})
	be.advise = func(in advisor.Input) advisor.Advice {
		if len(in.History) >= 2 {
			return advisor.Advice{Action: advisor.ActionStop, Reason: "nothing left"}
		}
		return advisor.Advice{Action: advisor.ActionWidenKeywords, NewKeywords: "boots"}
	}
	h := newHarness(be)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.Attempts != 2 || out.StopReason != "nothing left" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	p := h.page(t, "p1")
	if p.SearchStatus != domain.SearchFailed || p.SearchID != nil {
		t.Fatalf("unexpected page %+v", p)
	}
	row, err := h.store.GetSearch(context.Background(), out.SearchID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != domain.SearchRowFailed || row.ErrorMessage == nil || *row.ErrorMessage != "no results after 2 attempts" {
		t.Fatalf("unexpected search %+v", row)
	}
	if len(h.channel.results) != 0 {
		t.Fatal("failed session must not propose results")
	}
}

func TestRunProposesKeywordsForUnapprovedPage(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 30})
	h := newHarness(be)
	p := domain.NewPage("p1", "https://www.on3.com/news/p1", "", "")
	fb := "less formal"
	p.KeywordFeedback = &fb
	p.KeywordStatus = domain.ApprovalRejected
	if err := h.store.CreatePage(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAwaitingApproval || out.Keywords != "trail boots" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got := h.page(t, "p1")
	if got.ProposedKeywords != "trail boots" || got.KeywordStatus != domain.ApprovalPending || got.SearchStatus != domain.SearchPending {
		t.Fatalf("unexpected page %+v", got)
	}
	if len(h.gen.reqs) != 1 || h.gen.reqs[0].Feedback != fb || h.gen.reqs[0].Host != "www.on3.com" {
		t.Fatalf("generator request %+v", h.gen.reqs)
	}
	if len(h.channel.keywords) != 1 || len(be.searched()) != 0 {
		t.Fatalf("proposals %d, searches %v", len(h.channel.keywords), be.searched())
	}
}

func TestRunInvalidGenerationFailsPage(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{})
	h := newHarness(be)
	h.gen.err = domain.NewValidationError("keywords", "", domain.ErrInvalidGeneration)
	p := domain.NewPage("p1", "https://www.on3.com/news/p1", "", "")
	if err := h.store.CreatePage(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1", ForceRefresh: true})
	if !errors.Is(err, domain.ErrInvalidGeneration) {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
	if out.Status != StatusFailed || Retryable(err) {
		t.Fatalf("outcome %+v retryable=%v", out, Retryable(err))
	}
	if got := h.page(t, "p1"); got.SearchStatus != domain.SearchFailed {
		t.Fatalf("page %s", got.SearchStatus)
	}
	rows, _ := h.store.ListSearches(context.Background(), store.SearchFilter{})
	if len(rows) != 0 {
		t.Fatalf("no search may be created, got %d", len(rows))
	}
}

func TestRunProviderErrorCountsAsZero(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{"boots": 25})
	be.errs["trail boots"] = domain.NewProviderError(domain.PlatformMerchandise, "search", 401, domain.ErrCredentialRejected, nil)
	be.advise = widenTo("boots")
	h := newHarness(be)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.ProductCount != 25 || out.Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if p := h.page(t, "p1"); p.SearchAttempts[0].ProductCount != 0 {
		t.Fatalf("failed attempt recorded as %d", p.SearchAttempts[0].ProductCount)
	}
	if !strings.Contains(h.metrics.Render(), "shopsearch_provider_errors_total") {
		t.Fatal("provider error not counted")
	}
}

func TestRunCancelledSearchAborts(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, nil)
	be.errs["trail boots"] = context.Canceled
	h := newHarness(be)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if !errors.Is(err, context.Canceled) || out.Status != StatusFailed {
		t.Fatalf("outcome %+v err %v", out, err)
	}
	if p := h.page(t, "p1"); p.SearchStatus != domain.SearchFailed {
		t.Fatalf("page %s", p.SearchStatus)
	}
}

func TestRunSingleStrategy(t *testing.T) {
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 3})
	be.advise = func(advisor.Input) advisor.Advice {
		t.Error("single strategy must not consult the advisor")
		return advisor.Advice{Action: advisor.ActionStop}
	}
	h := newHarness(be)
	h.approvedPage(t, "p1", domain.StrategySingle)

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.Attempts != 1 || out.StopReason != stopSingle || out.ProductCount != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRunMultiPlatformPicksLargest(t *testing.T) {
	amazon := newFake(domain.PlatformMarketplace, map[string]int{"trail boots": 5})
	fanatics := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 12})
	h := newHarness(amazon, fanatics)
	h.approvedPage(t, "p1", "")

	out, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: "p1", Strategy: domain.StrategyMultiPlatform})
	if err != nil {
		t.Fatal(err)
	}
	if out.Platform != domain.PlatformMerchandise || out.ProductCount != 12 || out.Attempts != 2 || out.StopReason != stopPlatforms {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := len(h.page(t, "p1").SearchAttempts); got != 2 {
		t.Fatalf("recorded %d attempts", got)
	}
}

func TestRunMultiPlatformCancelledWhilePreparing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	amazon := newFake(domain.PlatformMarketplace, map[string]int{"trail boots": 5})
	amazon.prepared = cancel
	fanatics := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 12})
	h := newHarness(amazon, fanatics)
	h.approvedPage(t, "p1", "")

	_, err := h.orchestrator(Options{}).Run(ctx, domain.Job{PageID: "p1", Strategy: domain.StrategyMultiPlatform})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls := append(amazon.searched(), fanatics.searched()...); len(calls) != 0 {
		t.Fatalf("searched with unprepared configs: %v", calls)
	}
}

func TestRunReusesCompletedSearch(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 40})
	h := newHarness(be)
	h.approvedPage(t, "p1", domain.StrategySingle)

	key := domain.SearchKey{Phrase: "trail boots", Platform: domain.PlatformMerchandise, PlatformConfig: testConfig}
	row, _, err := h.store.CreateSearch(ctx, domain.NewSearch(key, ""))
	if err != nil {
		t.Fatal(err)
	}
	ref, _ := h.store.SaveResults(ctx, row.ID, makeProducts("stored", 4))
	if err := row.Complete(4, 0.9, ref, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := h.store.UpdateSearch(ctx, row); err != nil {
		t.Fatal(err)
	}

	out, err := h.orchestrator(Options{}).Run(ctx, domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.SearchID != row.ID || out.ProductCount != 4 || out.QualityScore != 0.9 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if calls := be.searched(); len(calls) != 0 {
		t.Fatalf("provider queried for a stored triple: %v", calls)
	}
	if p := h.page(t, "p1"); p.SearchID == nil || *p.SearchID != row.ID || len(p.SearchAttempts) != 1 {
		t.Fatalf("unexpected page %+v", p)
	}
}

func TestRunForcedRerunRecoversFailedSearch(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{})
	be.errs["trail boots"] = domain.NewProviderError(domain.PlatformMerchandise, "search", 503, domain.ErrNetwork, nil)
	h := newHarness(be)
	h.approvedPage(t, "p1", domain.StrategySingle)

	first, err := h.orchestrator(Options{}).Run(ctx, domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusFailed {
		t.Fatalf("unexpected outcome %+v", first)
	}
	row, err := h.store.GetSearch(ctx, first.SearchID)
	if err != nil || row.Status != domain.SearchRowFailed {
		t.Fatalf("search %+v err %v", row, err)
	}

	delete(be.errs, "trail boots")
	be.counts["trail boots"] = 5
	out, err := h.orchestrator(Options{}).Run(ctx, domain.Job{PageID: "p1", ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.ProductCount != 5 || out.SearchID != row.ID {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if calls := be.searched(); len(calls) != 2 {
		t.Fatalf("provider not queried again: %v", calls)
	}
	row, err = h.store.GetSearch(ctx, row.ID)
	if err != nil || row.Status != domain.SearchRowCompleted || row.ProductCount != 5 || row.ErrorMessage != nil {
		t.Fatalf("search %+v err %v", row, err)
	}
	if p := h.page(t, "p1"); p.SearchStatus != domain.SearchCompleted || p.SearchID == nil || *p.SearchID != row.ID {
		t.Fatalf("unexpected page %+v", p)
	}
}

func TestRunReplaysHistoricAttempt(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 3, "boots": 22})
	be.advise = widenTo("boots")
	h := newHarness(be)
	p := domain.NewPage("p1", "https://www.on3.com/news/p1", "", "")
	_ = p.ProposeKeywords("trail boots")
	_ = p.ApproveKeywords()
	p.SearchStatus = domain.SearchFailed
	p.SearchAttempts = []domain.SearchAttemptRecord{{
		Platform: domain.PlatformMerchandise, Keywords: "trail boots", PlatformConfig: testConfig, ProductCount: 3, Timestamp: time.Now().UTC(),
	}}
	if err := h.store.CreatePage(ctx, p); err != nil {
		t.Fatal(err)
	}

	out, err := h.orchestrator(Options{}).Run(ctx, domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Attempts != 2 || out.Keywords != "boots" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got := h.page(t, "p1")
	if len(got.SearchAttempts) != 2 || got.SearchAttempts[1].Keywords != "boots" {
		t.Fatalf("replayed attempt recorded twice: %+v", got.SearchAttempts)
	}
}

func TestRunForceRefreshResetsHistory(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 21})
	h := newHarness(be)
	p := h.approvedPage(t, "p1", "")
	p.SearchAttempts = []domain.SearchAttemptRecord{{Platform: domain.PlatformMarketplace, Keywords: "old", ProductCount: 1}}
	if err := h.store.UpdatePage(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.ClaimPage(ctx, "p1", false); err != nil {
		t.Fatal(err)
	}

	out, err := h.orchestrator(Options{}).Run(ctx, domain.Job{PageID: "p1", ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got := h.page(t, "p1")
	if len(got.SearchAttempts) != 1 || got.SearchAttempts[0].Keywords != "trail boots" {
		t.Fatalf("history not reset: %+v", got.SearchAttempts)
	}
}

func TestRunBusyPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(newFake(domain.PlatformMerchandise, nil))
	h.approvedPage(t, "p1", "")
	if _, err := h.store.ClaimPage(ctx, "p1", false); err != nil {
		t.Fatal(err)
	}
	_, err := h.orchestrator(Options{}).Run(ctx, domain.Job{PageID: "p1"})
	if !errors.Is(err, domain.ErrPageBusy) || Retryable(err) {
		t.Fatalf("expected non-retryable ErrPageBusy, got %v", err)
	}
}

func TestRunAwaitsConcurrentSearch(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 4})
	h := newHarness(be)
	h.approvedPage(t, "p1", domain.StrategySingle)

	key := domain.SearchKey{Phrase: "trail boots", Platform: domain.PlatformMerchandise, PlatformConfig: testConfig}
	pending, _, err := h.store.CreateSearch(ctx, domain.NewSearch(key, ""))
	if err != nil {
		t.Fatal(err)
	}
	// Another run finishes the row while this one waits.
	sleeps := 0
	opts := Options{Sleep: func(ctx context.Context, _ time.Duration) error {
		sleeps++
		row := pending
		if err := row.Complete(9, 0.7, "memory:"+row.ID, time.Now().UTC()); err != nil {
			return err
		}
		return h.store.UpdateSearch(ctx, row)
	}}
	out, err := h.orchestrator(opts).Run(ctx, domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if sleeps != 1 || out.SearchID != pending.ID || out.ProductCount != 9 || out.Status != StatusCompleted {
		t.Fatalf("sleeps=%d outcome %+v", sleeps, out)
	}
	if len(be.searched()) != 1 {
		t.Fatalf("provider calls %v", be.searched())
	}
}

func TestRunConvergenceTimeout(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 4})
	h := newHarness(be)
	h.approvedPage(t, "p1", domain.StrategySingle)

	key := domain.SearchKey{Phrase: "trail boots", Platform: domain.PlatformMerchandise, PlatformConfig: testConfig}
	if _, _, err := h.store.CreateSearch(ctx, domain.NewSearch(key, "")); err != nil {
		t.Fatal(err)
	}
	opts := Options{AwaitPending: time.Nanosecond, Sleep: func(context.Context, time.Duration) error { return nil }}
	_, err := h.orchestrator(opts).Run(ctx, domain.Job{PageID: "p1"})
	if !errors.Is(err, ErrConvergenceTimeout) || !Retryable(err) {
		t.Fatalf("expected retryable ErrConvergenceTimeout, got %v", err)
	}
	if p := h.page(t, "p1"); p.SearchStatus != domain.SearchFailed {
		t.Fatalf("page %s", p.SearchStatus)
	}
}

type failingResults struct{}

func (failingResults) SaveResults(context.Context, string, []domain.Product) (string, error) {
	return "", errors.New("disk full")
}

func (failingResults) LoadResults(_ context.Context, id string) ([]domain.Product, error) {
	return nil, fmt.Errorf("%w: results %s", domain.ErrNotFound, id)
}

func TestRunSaveResultsFailure(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 30})
	h := newHarness(be)
	h.approvedPage(t, "p1", "")
	o := New(Deps{
		Store:    h.store,
		Results:  failingResults{},
		Keywords: h.gen,
		Articles: stubArticles{},
		Backends: h.backends,
		Approval: h.channel,
	}, Options{})

	_, err := o.Run(ctx, domain.Job{PageID: "p1"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected save failure, got %v", err)
	}
	rows, _ := h.store.ListSearches(ctx, store.SearchFilter{})
	if len(rows) != 1 || rows[0].Status != domain.SearchRowFailed {
		t.Fatalf("search must end failed: %+v", rows)
	}
	if p := h.page(t, "p1"); p.SearchStatus != domain.SearchFailed {
		t.Fatalf("page %s", p.SearchStatus)
	}
}

type upperDescriber struct{}

func (upperDescriber) Describe(_ context.Context, _ string, products []domain.Product) []domain.Product {
	for i := range products {
		products[i].Description = strings.ToUpper(products[i].Title)
	}
	return products
}

func TestRunDescribesStoredProducts(t *testing.T) {
	ctx := context.Background()
	be := newFake(domain.PlatformMerchandise, map[string]int{"trail boots": 20})
	h := newHarness(be)
	h.approvedPage(t, "p1", "")
	o := New(Deps{
		Store:     h.store,
		Keywords:  h.gen,
		Articles:  stubArticles{},
		Backends:  h.backends,
		Approval:  h.channel,
		Describer: upperDescriber{},
	}, Options{})

	out, err := o.Run(ctx, domain.Job{PageID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	products, err := h.store.LoadResults(ctx, out.SearchID)
	if err != nil || products[0].Description != "TRAIL BOOTS 1" {
		t.Fatalf("descriptions not stored: %+v %v", products, err)
	}
}

func TestRunRejectsInvalidJob(t *testing.T) {
	h := newHarness()
	_, err := h.orchestrator(Options{}).Run(context.Background(), domain.Job{PageID: " "})
	if !errors.Is(err, domain.ErrInvalidJob) || Retryable(err) {
		t.Fatalf("expected non-retryable ErrInvalidJob, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{domain.ErrPageBusy, false},
		{fmt.Errorf("x: %w", domain.ErrNotFound), false},
		{domain.NewValidationError("pageId", "", domain.ErrInvalidJob), false},
		{ErrConvergenceTimeout, true},
		{errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("p1")
	acquired := make(chan struct{})
	go func() {
		release := k.Lock("p1")
		close(acquired)
		release()
	}()

	other := k.Lock("p2")
	other()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
	for i := 0; i < 100 && k.size() != 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if k.size() != 0 {
		t.Fatalf("idle locks kept: %d", k.size())
	}
}
