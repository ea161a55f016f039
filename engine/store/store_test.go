package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	file, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "search.db"))
	if err != nil {
		t.Fatal(err)
	}
	mem, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		file.Close()
		mem.Close()
	})
	return map[string]Store{"memory": NewMemory(), "sqlite": file, "sqlite-memory": mem}
}

func forEachStore(t *testing.T, f func(t *testing.T, s Store)) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) { f(t, s) })
	}
}

func testPage(id string) domain.Page {
	return domain.NewPage(id, "https://www.on3.com/news/"+id, "file:///tmp/"+id+".txt", "")
}

func attempt(kw string, count int) domain.SearchAttemptRecord {
	return domain.SearchAttemptRecord{
		Platform:       domain.PlatformMarketplace,
		Keywords:       kw,
		PlatformConfig: domain.PlatformConfig{"searchIndex": "All"},
		ProductCount:   count,
		QualityScore:   0.5,
		Timestamp:      time.Now().UTC(),
	}
}

func TestPageRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testPage("p1")
		if err := s.CreatePage(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := s.CreatePage(ctx, p); !errors.Is(err, ErrPageExists) {
			t.Fatalf("duplicate id: got %v", err)
		}
		dupURL := testPage("p2")
		dupURL.URL = p.URL
		if err := s.CreatePage(ctx, dupURL); !errors.Is(err, ErrPageExists) {
			t.Fatalf("duplicate url: got %v", err)
		}

		got, err := s.GetPage(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if got.URL != p.URL || got.KeywordStatus != domain.ApprovalPending || got.SearchStrategy != domain.StrategyProgressive {
			t.Fatalf("unexpected %+v", got)
		}
		if got.SearchID != nil || got.KeywordFeedback != nil || len(got.SearchAttempts) != 0 {
			t.Fatalf("unexpected optional fields %+v", got)
		}

		fb := "more outdoorsy"
		got.ProposedKeywords = "trail boots"
		got.KeywordFeedback = &fb
		if err := s.UpdatePage(ctx, got); err != nil {
			t.Fatal(err)
		}
		byURL, err := s.FindPageByURL(ctx, p.URL)
		if err != nil {
			t.Fatal(err)
		}
		if byURL.ProposedKeywords != "trail boots" || byURL.Feedback() != fb {
			t.Fatalf("update lost: %+v", byURL)
		}

		if _, err := s.GetPage(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.UpdatePage(ctx, testPage("missing")); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpdateRejectsInvariantViolation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := testPage("p1")
		if err := s.CreatePage(ctx, p); err != nil {
			t.Fatal(err)
		}
		id := "s1"
		p.SearchID = &id
		if err := s.UpdatePage(ctx, p); !errors.Is(err, domain.ErrInvalidPage) {
			t.Fatalf("searchId without completed status must be refused, got %v", err)
		}
	})
}

func TestClaimPage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreatePage(ctx, testPage("p1")); err != nil {
			t.Fatal(err)
		}
		p, err := s.ClaimPage(ctx, "p1", false)
		if err != nil {
			t.Fatal(err)
		}
		if p.SearchStatus != domain.SearchSearching {
			t.Fatalf("got %s", p.SearchStatus)
		}
		if _, err := s.ClaimPage(ctx, "p1", false); !errors.Is(err, domain.ErrPageBusy) {
			t.Fatalf("expected ErrPageBusy, got %v", err)
		}
		if _, err := s.ClaimPage(ctx, "p1", true); err != nil {
			t.Fatalf("forced claim: %v", err)
		}
		if _, err := s.ClaimPage(ctx, "nope", true); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestClaimPageConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreatePage(ctx, testPage("p1")); err != nil {
			t.Fatal(err)
		}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ClaimPage(ctx, "p1", false); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one claim, got %d", wins)
		}
	})
}

func TestAppendAttemptDedup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreatePage(ctx, testPage("p1")); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendAttempt(ctx, "p1", attempt("trail boots", 3)); err != nil {
			t.Fatal(err)
		}
		p, err := s.AppendAttempt(ctx, "p1", attempt("boots", 0))
		if err != nil {
			t.Fatal(err)
		}
		if len(p.SearchAttempts) != 2 || p.SearchAttempts[1].Keywords != "boots" {
			t.Fatalf("unexpected attempts %+v", p.SearchAttempts)
		}
		if _, err := s.AppendAttempt(ctx, "p1", attempt("Trail  Boots", 9)); !errors.Is(err, domain.ErrDuplicateAttempt) {
			t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
		}
		got, _ := s.GetPage(ctx, "p1")
		if len(got.SearchAttempts) != 2 || got.SearchAttempts[0].PlatformConfig["searchIndex"] != "All" {
			t.Fatalf("stored attempts %+v", got.SearchAttempts)
		}
	})
}

func TestSearchUniquenessAndLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := domain.SearchKey{Phrase: "Trail Boots", Platform: domain.PlatformMarketplace, PlatformConfig: domain.PlatformConfig{"searchIndex": "Shoes"}}
		row, created, err := s.CreateSearch(ctx, domain.NewSearch(key, ""))
		if err != nil || !created {
			t.Fatalf("created=%v err=%v", created, err)
		}
		same := domain.SearchKey{Phrase: "trail  boots", Platform: key.Platform, PlatformConfig: domain.PlatformConfig{"searchIndex": "Shoes"}}
		again, created, err := s.CreateSearch(ctx, domain.NewSearch(same, "mcclatchy"))
		if err != nil || created || again.ID != row.ID || again.CredentialID != domain.DefaultCredentialID {
			t.Fatalf("expected reuse: created=%v row=%+v err=%v", created, again, err)
		}

		if err := row.Complete(12, 0.8, "ref", time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateSearch(ctx, row); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetSearch(ctx, row.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.SearchRowCompleted || got.ProductCount != 12 || got.ExecutedAt == nil || got.PlatformConfig["searchIndex"] != "Shoes" {
			t.Fatalf("unexpected %+v", got)
		}

		got.Status = domain.SearchRowPending
		if err := got.Fail("late", time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateSearch(ctx, got); !errors.Is(err, domain.ErrSearchConflict) {
			t.Fatalf("terminal search must not change, got %v", err)
		}

		list, err := s.ListSearches(ctx, SearchFilter{Platform: domain.PlatformMarketplace, Status: domain.SearchRowCompleted})
		if err != nil || len(list) != 1 {
			t.Fatalf("list: %d %v", len(list), err)
		}
		if list, _ := s.ListSearches(ctx, SearchFilter{Platform: domain.PlatformMerchandise}); len(list) != 0 {
			t.Fatalf("filter ignored: %d", len(list))
		}
	})
}

func TestCreateSearchSupersedesFailed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := domain.SearchKey{Phrase: "wool socks", Platform: domain.PlatformMerchandise}
		row, _, err := s.CreateSearch(ctx, domain.NewSearch(key, ""))
		if err != nil {
			t.Fatal(err)
		}
		if err := row.Fail("provider unavailable", time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateSearch(ctx, row); err != nil {
			t.Fatal(err)
		}

		next, created, err := s.CreateSearch(ctx, domain.NewSearch(key, ""))
		if err != nil || !created {
			t.Fatalf("failed row must be replaced: created=%v err=%v", created, err)
		}
		if next.ID != row.ID || next.Status != domain.SearchRowPending || next.ErrorMessage != nil || next.ExecutedAt != nil {
			t.Fatalf("unexpected %+v", next)
		}
		if err := next.Complete(4, 0.5, "", time.Now().UTC()); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateSearch(ctx, next); err != nil {
			t.Fatal(err)
		}

		again, created, err := s.CreateSearch(ctx, domain.NewSearch(key, ""))
		if err != nil || created || again.Status != domain.SearchRowCompleted || again.ProductCount != 4 {
			t.Fatalf("completed row must be reused: created=%v row=%+v err=%v", created, again, err)
		}
	})
}

func TestResults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		price := 19.99
		products := []domain.Product{{Position: 1, Title: "Cap", ExtractedPrice: &price, StoreOffers: []domain.StoreOffer{{Name: "Fanatics"}}}}
		ref, err := s.SaveResults(ctx, "s1", products)
		if err != nil || ref == "" {
			t.Fatalf("ref=%q err=%v", ref, err)
		}
		got, err := s.LoadResults(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Title != "Cap" || *got[0].ExtractedPrice != price {
			t.Fatalf("unexpected %+v", got)
		}
		if _, err := s.LoadResults(ctx, "s2"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListPages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			p := testPage(fmt.Sprintf("p%d", i))
			p.CreatedAt = p.CreatedAt.Add(time.Duration(i) * time.Second)
			if err := s.CreatePage(ctx, p); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.ClaimPage(ctx, "p3", false); err != nil {
			t.Fatal(err)
		}
		all, err := s.ListPages(ctx, PageFilter{Limit: 3})
		if err != nil || len(all) != 3 || all[0].ID != "p4" {
			t.Fatalf("got %d pages, first %v, err %v", len(all), all, err)
		}
		busy, _ := s.ListPages(ctx, PageFilter{SearchStatus: domain.SearchSearching})
		if len(busy) != 1 || busy[0].ID != "p3" {
			t.Fatalf("status filter: %+v", busy)
		}
	})
}
