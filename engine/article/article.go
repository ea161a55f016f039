// Package article resolves the text of a page: a stored text reference when
// the page has one, otherwise the readable content of the page URL.
package article

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/fn"
	"github.com/go-shiori/go-readability"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var (
	// ErrEmptyArticle means the source resolved to no text.
	ErrEmptyArticle = errors.New("article: empty text")
	errTransient    = errors.New("article: transient fetch failure")
)

const maxBody = 4 << 20

// Options configures a Resolver.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Every spaces out URL fetches; Burst allows short spikes.
	Every    time.Duration
	Burst    int
	MaxChars int
	Retry    fn.RetryOpts
	Logger   *slog.Logger
}

// DefaultOptions returns the resolver defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:   20 * time.Second,
		UserAgent: "shopsearch/1.0 (+article resolver)",
		Every:     500 * time.Millisecond,
		Burst:     2,
		MaxChars:  20000,
		Retry:     fn.DefaultRetry,
	}
}

// Resolver loads article text for pages.
type Resolver struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	logger  *slog.Logger
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Every <= 0 {
		opts.Every = def.Every
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = def.MaxChars
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = def.Retry
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Retry.Logger = logger
	opts.Retry.Retryable = func(err error) bool { return errors.Is(err, errTransient) }
	return &Resolver{
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Every(opts.Every), opts.Burst),
		opts:    opts,
		logger:  logger,
	}
}

// ArticleText returns the text for page. file:// references are read from
// disk, http(s) references are fetched as text, anything else falls back to
// readability extraction of the page URL.
func (r *Resolver) ArticleText(ctx context.Context, page domain.Page) (string, error) {
	tidy := func(_ context.Context, text string) fn.Result[string] {
		text = strings.TrimSpace(text)
		if text == "" {
			return fn.Err[string](fmt.Errorf("%w: page %s", ErrEmptyArticle, page.ID))
		}
		if len(text) > r.opts.MaxChars {
			text = text[:r.opts.MaxChars]
		}
		r.logger.Debug("article: resolved", "page_id", page.ID, "chars", len(text))
		return fn.Ok(text)
	}
	resolve := fn.Then(fn.TracedStage("article.load", r.load, attribute.String("page_id", page.ID)), tidy)
	return resolve(ctx, page).Unwrap()
}

func (r *Resolver) load(ctx context.Context, page domain.Page) fn.Result[string] {
	ref := strings.TrimSpace(page.TextContentRef)
	switch {
	case strings.HasPrefix(ref, "file://"):
		return fn.FromPair(readFile(ref))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return fn.FromPair(r.fetch(ctx, ref, false))
	default:
		return fn.FromPair(r.fetch(ctx, page.URL, true))
	}
}

func readFile(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("article: parse ref %q: %w", ref, err)
	}
	b, err := os.ReadFile(u.Path)
	if err != nil {
		return "", fmt.Errorf("article: read %s: %w", u.Path, err)
	}
	return string(b), nil
}

// fetch downloads raw. HTML bodies go through readability when extract is
// set or the response says HTML; other bodies are returned as text.
func (r *Resolver) fetch(ctx context.Context, raw string, extract bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("article: bad url %q", raw)
	}
	return fn.Retry(ctx, r.opts.Retry.With("article.fetch"), func(ctx context.Context) fn.Result[string] {
		if err := r.limiter.Wait(ctx); err != nil {
			return fn.Err[string](err)
		}
		body, ctype, err := r.get(ctx, u.String())
		if err != nil {
			return fn.Err[string](err)
		}
		if extract || isHTML(ctype) {
			return fn.FromPair(extractReadable(body, u))
		}
		return fn.Ok(string(body))
	}).Unwrap()
}

func (r *Resolver) get(ctx context.Context, raw string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", fmt.Errorf("article: request: %w", err)
	}
	req.Header.Set("User-Agent", r.opts.UserAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("%w: %v", errTransient, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", errTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, "", fmt.Errorf("%w: %s returned %d", errTransient, raw, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, "", fmt.Errorf("article: %s returned %d", raw, resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func isHTML(ctype string) bool {
	mt, _, err := mime.ParseMediaType(ctype)
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

// extractReadable returns the title and main text of an HTML document.
func extractReadable(body []byte, u *url.URL) (string, error) {
	parser := readability.NewParser()
	art, err := parser.Parse(strings.NewReader(string(body)), u)
	if err != nil {
		return "", fmt.Errorf("article: readability %s: %w", u, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(art.Content))
	if err != nil {
		return "", fmt.Errorf("article: parse content: %w", err)
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	if title := strings.TrimSpace(art.Title); title != "" {
		text = title + "\n\n" + text
	}
	return text, nil
}
