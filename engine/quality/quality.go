// Package quality scores a result set for a search phrase.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/fn"
)

// Model is the JSON-mode language model the assessor calls.
type Model interface {
	ChatJSON(ctx context.Context, system, user string, out any) error
}

const (
	// Target is the result count treated as a full result set.
	Target = 20
	// sampleSize is how many titles the model sees.
	sampleSize = 5
	// missingScore is used when the model omits the score.
	missingScore = 0.5
)

// Assessor scores result sets.
type Assessor struct {
	model  Model
	logger *slog.Logger
}

// New creates an Assessor. A nil logger uses slog.Default().
func New(model Model, logger *slog.Logger) *Assessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{model: model, logger: logger}
}

type reply struct {
	QualityScore *float64 `json:"qualityScore"`
	Reasoning    string   `json:"reasoning"`
}

// Score returns a quality in [0,1]. An empty set scores 0 without a model
// call; a failed call falls back to the count heuristic.
func (a *Assessor) Score(ctx context.Context, platform domain.Platform, products []domain.Product, phrase string) float64 {
	if len(products) == 0 {
		return 0
	}
	var r reply
	if err := a.model.ChatJSON(ctx, systemPrompt(platform), userPrompt(platform, products, phrase), &r); err != nil {
		fb := Fallback(len(products))
		a.logger.Warn("quality: assessment failed, using fallback",
			"platform", platform, "count", len(products), "score", fb, "err", err)
		return fb
	}
	score := missingScore
	if r.QualityScore != nil {
		score = clamp(*r.QualityScore)
	}
	a.logger.Debug("quality: assessed", "platform", platform, "score", score, "reasoning", r.Reasoning)
	return score
}

// Fallback is the count heuristic min(count/Target, 1).
func Fallback(count int) float64 {
	return clamp(float64(count) / Target)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func systemPrompt(p domain.Platform) string {
	switch p {
	case domain.PlatformMerchandise:
		return "You are an expert at assessing sports merchandise search results. Rate the relevance and quality of the products found for the given search keywords. You only return JSON."
	case domain.PlatformShoppingEngine:
		return "You are an expert at assessing Google Shopping search results. Rate the relevance and quality of the products found for the given search keywords. You only return JSON."
	default:
		return "You are an expert at assessing Amazon product search results. Rate the relevance and quality of the products found for the given search keywords. You only return JSON."
	}
}

func userPrompt(p domain.Platform, products []domain.Product, phrase string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assess the quality of these search results for the keywords %q:\n\n", phrase)
	for i, prod := range fn.Take(products, sampleSize) {
		title := prod.Title
		if title == "" {
			title = "Unknown"
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, title)
	}
	b.WriteString("\nConsider:\n1. Relevance to the search keywords\n2. Product variety and quality\n3. Price range appropriateness\n")
	if p == domain.PlatformMerchandise {
		b.WriteString("4. Overall usefulness for sports fans\n5. Brand authenticity and official licensing\n")
	} else {
		b.WriteString("4. Overall usefulness for the reader\n")
	}
	b.WriteString("\nReturn a JSON object with:\n- \"qualityScore\": a number between 0 and 1 (1 being perfect)\n- \"reasoning\": brief explanation of your assessment")
	return b.String()
}
