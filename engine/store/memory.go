package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
)

// Memory is an in-process Store for tests and single-shot CLI runs.
type Memory struct {
	mu       sync.Mutex
	pages    map[string]domain.Page
	searches map[string]domain.Search
	results  map[string][]domain.Product
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		pages:    make(map[string]domain.Page),
		searches: make(map[string]domain.Search),
		results:  make(map[string][]domain.Product),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreatePage(_ context.Context, p domain.Page) error {
	if err := domain.ValidatePage(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[p.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrPageExists, p.ID)
	}
	for _, existing := range m.pages {
		if existing.URL == p.URL {
			return fmt.Errorf("%w: url %s", ErrPageExists, p.URL)
		}
	}
	m.pages[p.ID] = clonePage(p)
	return nil
}

func (m *Memory) GetPage(_ context.Context, id string) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return domain.Page{}, fmt.Errorf("%w: page %s", domain.ErrNotFound, id)
	}
	return clonePage(p), nil
}

func (m *Memory) FindPageByURL(_ context.Context, url string) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pages {
		if p.URL == url {
			return clonePage(p), nil
		}
	}
	return domain.Page{}, fmt.Errorf("%w: page url %s", domain.ErrNotFound, url)
}

func (m *Memory) ListPages(_ context.Context, f PageFilter) ([]domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Page
	for _, p := range m.pages {
		if matchPage(p, f) {
			out = append(out, clonePage(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return window(out, f.Offset, f.Limit), nil
}

func (m *Memory) UpdatePage(_ context.Context, p domain.Page) error {
	if err := domain.ValidatePage(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[p.ID]; !ok {
		return fmt.Errorf("%w: page %s", domain.ErrNotFound, p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	m.pages[p.ID] = clonePage(p)
	return nil
}

func (m *Memory) ClaimPage(_ context.Context, id string, force bool) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return domain.Page{}, fmt.Errorf("%w: page %s", domain.ErrNotFound, id)
	}
	if err := p.BeginSearch(force); err != nil {
		return domain.Page{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	m.pages[id] = p
	return clonePage(p), nil
}

func (m *Memory) AppendAttempt(_ context.Context, id string, rec domain.SearchAttemptRecord) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return domain.Page{}, fmt.Errorf("%w: page %s", domain.ErrNotFound, id)
	}
	p = clonePage(p)
	if err := p.AppendAttempt(rec); err != nil {
		return domain.Page{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	m.pages[id] = p
	return clonePage(p), nil
}

func (m *Memory) CreateSearch(_ context.Context, s domain.Search) (domain.Search, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.searches[s.ID]; ok && existing.Status != domain.SearchRowFailed {
		return cloneSearch(existing), false, nil
	}
	m.searches[s.ID] = cloneSearch(s)
	return cloneSearch(s), true, nil
}

func (m *Memory) GetSearch(_ context.Context, id string) (domain.Search, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[id]
	if !ok {
		return domain.Search{}, fmt.Errorf("%w: search %s", domain.ErrNotFound, id)
	}
	return cloneSearch(s), nil
}

func (m *Memory) UpdateSearch(_ context.Context, s domain.Search) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.searches[s.ID]
	if !ok {
		return fmt.Errorf("%w: search %s", domain.ErrNotFound, s.ID)
	}
	if cur.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrSearchConflict, s.ID, cur.Status)
	}
	m.searches[s.ID] = cloneSearch(s)
	return nil
}

func (m *Memory) ListSearches(_ context.Context, f SearchFilter) ([]domain.Search, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Search
	for _, s := range m.searches {
		if matchSearch(s, f) {
			out = append(out, cloneSearch(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return window(out, f.Offset, f.Limit), nil
}

func (m *Memory) SaveResults(_ context.Context, searchID string, products []domain.Product) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[searchID] = append([]domain.Product(nil), products...)
	return "memory:" + searchID, nil
}

func (m *Memory) LoadResults(_ context.Context, searchID string) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.results[searchID]
	if !ok {
		return nil, fmt.Errorf("%w: results %s", domain.ErrNotFound, searchID)
	}
	return append([]domain.Product(nil), p...), nil
}

func (m *Memory) Close() error { return nil }
