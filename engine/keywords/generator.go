package keywords

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/fn"
)

// Model is the JSON-mode language model the generator calls.
type Model interface {
	ChatJSON(ctx context.Context, system, user string, out any) error
}

// Request carries everything known about the article.
type Request struct {
	ArticleText      string
	Host             string
	Feedback         string
	PreviousKeywords string
}

// Options configures a Generator.
type Options struct {
	MaxWords int
	// MaxArticleChars truncates article text before prompting.
	MaxArticleChars int
	Retry           fn.RetryOpts
	Logger          *slog.Logger
}

// DefaultOptions returns the generator defaults.
func DefaultOptions() Options {
	return Options{
		MaxWords:        DefaultMaxWords,
		MaxArticleChars: 12000,
		Retry:           fn.DefaultRetry,
	}
}

// Generator proposes search phrases.
type Generator struct {
	model  Model
	opts   Options
	logger *slog.Logger
}

// New creates a Generator.
func New(model Model, opts Options) *Generator {
	def := DefaultOptions()
	if opts.MaxWords <= 0 {
		opts.MaxWords = def.MaxWords
	}
	if opts.MaxArticleChars <= 0 {
		opts.MaxArticleChars = def.MaxArticleChars
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = def.Retry
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.Retry.Logger = logger
	opts.Retry.Classify = domain.ErrorClass
	opts.Retry.Retryable = func(err error) bool { return !errors.Is(err, domain.ErrInvalidGeneration) }
	return &Generator{model: model, opts: opts, logger: logger}
}

const systemPrompt = "You are an online shopping assistant. You provide shopping search keywords for people reading an internet article. " +
	"Match the likely shopping intent of the reader, not the literal content of the article. " +
	"Generalize brand names unless the brand is essential to the search. Favor broader, brandless product categories. " +
	"For sports or music articles, prefer merchandise terms like merch, gear, or apparel over memorabilia. " +
	"You only return JSON."

const feedbackSystemSuffix = " When editor feedback is provided, treat it as strong guidance for the new phrase and avoid repeating rejected phrases."

type reply struct {
	Keywords string `json:"keywords"`
}

// Generate returns a formatted phrase. An explicit phrase in the feedback is
// used verbatim without a model call.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if req.Feedback != "" {
		if phrase, ok := DetectOverride(req.Feedback); ok {
			out, err := Format(phrase, g.opts.MaxWords)
			if err != nil {
				return "", err
			}
			g.logger.Info("keywords: override from feedback", "host", req.Host, "keywords", out)
			return out, nil
		}
	}

	system := systemPrompt
	if req.Feedback != "" {
		system += feedbackSystemSuffix
	}
	user := g.userPrompt(req)

	phrase, err := fn.Retry(ctx, g.opts.Retry.With("keywords.generate"), func(ctx context.Context) fn.Result[string] {
		var r reply
		if err := g.model.ChatJSON(ctx, system, user, &r); err != nil {
			return fn.Err[string](err)
		}
		if strings.TrimSpace(r.Keywords) == "" {
			return fn.Err[string](domain.NewValidationError("keywords", "", domain.ErrInvalidGeneration))
		}
		return fn.Ok(r.Keywords)
	}).Unwrap()
	if err != nil {
		return "", fmt.Errorf("keywords: generate: %w", err)
	}

	out, err := Format(phrase, g.opts.MaxWords)
	if err != nil {
		return "", fmt.Errorf("keywords: generate: %w", err)
	}
	g.logger.Info("keywords: generated", "host", req.Host, "keywords", out, "has_feedback", req.Feedback != "")
	return out, nil
}

func (g *Generator) userPrompt(req Request) string {
	var b strings.Builder
	if req.Feedback != "" {
		if req.PreviousKeywords != "" {
			fmt.Fprintf(&b, "Previous keywords were %q and were rejected.\n", req.PreviousKeywords)
			b.WriteString("Do not propose them again.\n")
		}
		fmt.Fprintf(&b, "Editor feedback: %q\n\n", req.Feedback)
	}
	fmt.Fprintf(&b, "Give me shopping search keywords for a reader of the article below on %s.\n\n", req.Host)
	fmt.Fprintf(&b, "Do not recommend phrases about print or physical media like dvds, books, newspapers or magazines. "+
		"Do not use quotes. Do not end with punctuation. Use %d words or less on a single line.\n\n", g.opts.MaxWords)
	b.WriteString("Return a JSON object with exactly this property:\n")
	fmt.Fprintf(&b, "- \"keywords\": your %d-word-or-less search phrase\n\n-----\n\n", g.opts.MaxWords)

	b.WriteString(truncateRunes(req.ArticleText, g.opts.MaxArticleChars))
	return b.String()
}

// truncateRunes keeps the first n characters of s.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
