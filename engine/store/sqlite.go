package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pages (
	id                TEXT PRIMARY KEY,
	url               TEXT NOT NULL UNIQUE,
	text_ref          TEXT NOT NULL DEFAULT '',
	proposed_keywords TEXT NOT NULL DEFAULT '',
	keyword_status    TEXT NOT NULL,
	keyword_feedback  TEXT,
	search_id         TEXT,
	search_id_status  TEXT NOT NULL,
	search_status     TEXT NOT NULL,
	search_strategy   TEXT NOT NULL,
	search_attempts   TEXT NOT NULL DEFAULT '[]',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_search_status ON pages(search_status);

CREATE TABLE IF NOT EXISTS searches (
	id              TEXT PRIMARY KEY,
	phrase          TEXT NOT NULL,
	platform        TEXT NOT NULL,
	platform_config TEXT NOT NULL,
	product_count   INTEGER NOT NULL DEFAULT 0,
	quality_score   REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	error_message   TEXT,
	executed_at     TEXT,
	credential_id   TEXT NOT NULL,
	results_ref     TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_searches_platform_status ON searches(platform, status);

CREATE TABLE IF NOT EXISTS results (
	search_id TEXT PRIMARY KEY,
	products  TEXT NOT NULL,
	saved_at  TEXT NOT NULL
);
`

// SQLite is a Store on an embedded SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens path (":memory:" for a private database) and creates
// the schema if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const pageColumns = `id, url, text_ref, proposed_keywords, keyword_status, keyword_feedback, search_id,
	search_id_status, search_status, search_strategy, search_attempts, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(row scanner) (domain.Page, error) {
	var (
		p                  domain.Page
		feedback, searchID sql.NullString
		attempts           string
		created, updated   string
	)
	err := row.Scan(&p.ID, &p.URL, &p.TextContentRef, &p.ProposedKeywords, &p.KeywordStatus, &feedback, &searchID,
		&p.SearchIDStatus, &p.SearchStatus, &p.SearchStrategy, &attempts, &created, &updated)
	if err != nil {
		return p, err
	}
	if feedback.Valid {
		p.KeywordFeedback = &feedback.String
	}
	if searchID.Valid {
		p.SearchID = &searchID.String
	}
	if err := json.Unmarshal([]byte(attempts), &p.SearchAttempts); err != nil {
		return p, fmt.Errorf("store: decode attempts of %s: %w", p.ID, err)
	}
	if p.SearchAttempts == nil {
		p.SearchAttempts = []domain.SearchAttemptRecord{}
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

func pageArgs(p domain.Page) ([]any, error) {
	attempts, err := json.Marshal(nonNilAttempts(p.SearchAttempts))
	if err != nil {
		return nil, fmt.Errorf("store: encode attempts: %w", err)
	}
	return []any{p.ID, p.URL, p.TextContentRef, p.ProposedKeywords, string(p.KeywordStatus), nullString(p.KeywordFeedback),
		nullString(p.SearchID), string(p.SearchIDStatus), string(p.SearchStatus), string(p.SearchStrategy),
		string(attempts), formatTime(p.CreatedAt), formatTime(p.UpdatedAt)}, nil
}

func (s *SQLite) CreatePage(ctx context.Context, p domain.Page) error {
	if err := domain.ValidatePage(p); err != nil {
		return err
	}
	args, err := pageArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO pages (`+pageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrPageExists, p.URL)
		}
		return fmt.Errorf("store: insert page: %w", err)
	}
	return nil
}

func (s *SQLite) GetPage(ctx context.Context, id string) (domain.Page, error) {
	return s.getPage(ctx, s.db, id)
}

func (s *SQLite) getPage(ctx context.Context, q queryer, id string) (domain.Page, error) {
	p, err := scanPage(q.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: page %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return p, fmt.Errorf("store: get page: %w", err)
	}
	return p, nil
}

func (s *SQLite) FindPageByURL(ctx context.Context, url string) (domain.Page, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE url = ?`, url))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: page url %s", domain.ErrNotFound, url)
	}
	if err != nil {
		return p, fmt.Errorf("store: find page: %w", err)
	}
	return p, nil
}

func (s *SQLite) ListPages(ctx context.Context, f PageFilter) ([]domain.Page, error) {
	var (
		where []string
		args  []any
	)
	if f.SearchStatus != "" {
		where = append(where, "search_status = ?")
		args = append(args, string(f.SearchStatus))
	}
	if f.KeywordStatus != "" {
		where = append(where, "keyword_status = ?")
		args = append(args, string(f.KeywordStatus))
	}
	q := `SELECT ` + pageColumns + ` FROM pages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limitOr(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list pages: %w", err)
	}
	defer rows.Close()
	out := []domain.Page{}
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdatePage(ctx context.Context, p domain.Page) error {
	if err := domain.ValidatePage(p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	args, err := pageArgs(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE pages SET url = ?, text_ref = ?, proposed_keywords = ?, keyword_status = ?,
		keyword_feedback = ?, search_id = ?, search_id_status = ?, search_status = ?, search_strategy = ?,
		search_attempts = ?, created_at = ?, updated_at = ? WHERE id = ?`, append(args[1:], p.ID)...)
	if err != nil {
		return fmt.Errorf("store: update page: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: page %s", domain.ErrNotFound, p.ID)
	}
	return nil
}

func (s *SQLite) ClaimPage(ctx context.Context, id string, force bool) (domain.Page, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pages SET search_status = ?, search_id = NULL, search_id_status = ?, updated_at = ?
		WHERE id = ? AND (? OR search_status <> ?)`,
		string(domain.SearchSearching), string(domain.ApprovalPending), formatTime(time.Now().UTC()),
		id, force, string(domain.SearchSearching))
	if err != nil {
		return domain.Page{}, fmt.Errorf("store: claim page: %w", err)
	}
	p, err := s.GetPage(ctx, id)
	if err != nil {
		return p, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Page{}, domain.ErrPageBusy
	}
	return p, nil
}

func (s *SQLite) AppendAttempt(ctx context.Context, id string, rec domain.SearchAttemptRecord) (domain.Page, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Page{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	p, err := s.getPage(ctx, tx, id)
	if err != nil {
		return p, err
	}
	if err := p.AppendAttempt(rec); err != nil {
		return domain.Page{}, err
	}
	attempts, err := json.Marshal(p.SearchAttempts)
	if err != nil {
		return domain.Page{}, fmt.Errorf("store: encode attempts: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE pages SET search_attempts = ?, updated_at = ? WHERE id = ?`,
		string(attempts), formatTime(p.UpdatedAt), id); err != nil {
		return domain.Page{}, fmt.Errorf("store: append attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Page{}, fmt.Errorf("store: commit: %w", err)
	}
	return p, nil
}

const searchColumns = `id, phrase, platform, platform_config, product_count, quality_score, status,
	error_message, executed_at, credential_id, results_ref, created_at`

func scanSearch(row scanner) (domain.Search, error) {
	var (
		s                domain.Search
		cfg, created     string
		errMsg, executed sql.NullString
	)
	err := row.Scan(&s.ID, &s.Phrase, &s.Platform, &cfg, &s.ProductCount, &s.QualityScore, &s.Status,
		&errMsg, &executed, &s.CredentialID, &s.ResultsRef, &created)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(cfg), &s.PlatformConfig); err != nil {
		return s, fmt.Errorf("store: decode config of %s: %w", s.ID, err)
	}
	if errMsg.Valid {
		s.ErrorMessage = &errMsg.String
	}
	if executed.Valid {
		t := parseTime(executed.String)
		s.ExecutedAt = &t
	}
	s.CreatedAt = parseTime(created)
	return s, nil
}

func searchArgs(s domain.Search) []any {
	var executed sql.NullString
	if s.ExecutedAt != nil {
		executed = sql.NullString{String: formatTime(*s.ExecutedAt), Valid: true}
	}
	return []any{s.ID, s.Phrase, string(s.Platform), s.PlatformConfig.Canonical(), s.ProductCount, s.QualityScore,
		string(s.Status), nullString(s.ErrorMessage), executed, s.CredentialID, s.ResultsRef, formatTime(s.CreatedAt)}
}

func (s *SQLite) CreateSearch(ctx context.Context, row domain.Search) (domain.Search, bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO searches (`+searchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET phrase = excluded.phrase, platform = excluded.platform,
			platform_config = excluded.platform_config, product_count = excluded.product_count,
			quality_score = excluded.quality_score, status = excluded.status, error_message = excluded.error_message,
			executed_at = excluded.executed_at, credential_id = excluded.credential_id,
			results_ref = excluded.results_ref, created_at = excluded.created_at
		WHERE searches.status = ?`, append(searchArgs(row), string(domain.SearchRowFailed))...)
	if err != nil {
		return domain.Search{}, false, fmt.Errorf("store: insert search: %w", err)
	}
	n, _ := res.RowsAffected()
	stored, err := s.GetSearch(ctx, row.ID)
	return stored, n == 1, err
}

func (s *SQLite) GetSearch(ctx context.Context, id string) (domain.Search, error) {
	row, err := scanSearch(s.db.QueryRowContext(ctx, `SELECT `+searchColumns+` FROM searches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("%w: search %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return row, fmt.Errorf("store: get search: %w", err)
	}
	return row, nil
}

func (s *SQLite) UpdateSearch(ctx context.Context, row domain.Search) error {
	args := searchArgs(row)
	res, err := s.db.ExecContext(ctx, `UPDATE searches SET phrase = ?, platform = ?, platform_config = ?, product_count = ?,
		quality_score = ?, status = ?, error_message = ?, executed_at = ?, credential_id = ?, results_ref = ?, created_at = ?
		WHERE id = ? AND status = ?`, append(args[1:], row.ID, string(domain.SearchRowPending))...)
	if err != nil {
		return fmt.Errorf("store: update search: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.GetSearch(ctx, row.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrSearchConflict, row.ID, cur.Status)
	}
	return nil
}

func (s *SQLite) ListSearches(ctx context.Context, f SearchFilter) ([]domain.Search, error) {
	var (
		where []string
		args  []any
	)
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, string(f.Platform))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + searchColumns + ` FROM searches`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limitOr(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list searches: %w", err)
	}
	defer rows.Close()
	out := []domain.Search{}
	for rows.Next() {
		row, err := scanSearch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan search: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveResults(ctx context.Context, searchID string, products []domain.Product) (string, error) {
	b, err := json.Marshal(products)
	if err != nil {
		return "", fmt.Errorf("store: encode results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO results (search_id, products, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(search_id) DO UPDATE SET products = excluded.products, saved_at = excluded.saved_at`,
		searchID, string(b), formatTime(time.Now().UTC()))
	if err != nil {
		return "", fmt.Errorf("store: save results: %w", err)
	}
	return "sqlite:results/" + searchID, nil
}

func (s *SQLite) LoadResults(ctx context.Context, searchID string) ([]domain.Product, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT products FROM results WHERE search_id = ?`, searchID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: results %s", domain.ErrNotFound, searchID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load results: %w", err)
	}
	var out []domain.Product
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("store: decode results: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nonNilAttempts(a []domain.SearchAttemptRecord) []domain.SearchAttemptRecord {
	if a == nil {
		return []domain.SearchAttemptRecord{}
	}
	return a
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
