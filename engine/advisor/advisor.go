// Package advisor decides how a search session continues after each
// attempt: broaden the phrase, change the platform configuration, or stop.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/engine/keywords"
)

// Model is the JSON-mode language model the advisor calls.
type Model interface {
	ChatJSON(ctx context.Context, system, user string, out any) error
}

// Action is the advisor's decision.
type Action string

const (
	ActionWidenKeywords Action = "widen_keywords"
	ActionChangeConfig  Action = "change_config"
	ActionStop          Action = "stop"
)

const (
	// Target is the result count that ends a session.
	Target = 20
	// Ideal is the count the model is told to aim for.
	Ideal = 40
	// MaxAttempts bounds a session.
	MaxAttempts = 8
)

// Input describes the session so far.
type Input struct {
	Platform       domain.Platform
	CurrentPhrase  string
	CurrentConfig  domain.PlatformConfig
	ProductCount   int
	OriginalPhrase string
	History        []domain.SearchAttemptRecord
}

// Advice is the next step.
type Advice struct {
	Action      Action                `json:"action"`
	Reason      string                `json:"reason"`
	NewKeywords string                `json:"newKeywords,omitempty"`
	NewConfig   domain.PlatformConfig `json:"newConfig,omitempty"`
}

// Next returns the triple the advice leads to.
func (a Advice) Next(in Input) (string, domain.PlatformConfig) {
	switch a.Action {
	case ActionWidenKeywords:
		return a.NewKeywords, in.CurrentConfig
	case ActionChangeConfig:
		return in.CurrentPhrase, in.CurrentConfig.Merge(a.NewConfig)
	default:
		return in.CurrentPhrase, in.CurrentConfig
	}
}

// Advisor produces Advice.
type Advisor struct {
	model  Model
	logger *slog.Logger
}

// New creates an Advisor. A nil logger uses slog.Default().
func New(model Model, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{model: model, logger: logger}
}

type reply struct {
	Action      string         `json:"action"`
	Reason      string         `json:"reason"`
	NewKeywords string         `json:"newKeywords"`
	NewConfig   map[string]any `json:"newConfig"`
}

// Advise returns the next step. A target-reaching count stops without a
// model call; an unusable or repeated proposal falls back to Fallback.
func (a *Advisor) Advise(ctx context.Context, in Input) Advice {
	if in.ProductCount >= Target {
		return Advice{Action: ActionStop, Reason: "target reached"}
	}

	var r reply
	if err := a.model.ChatJSON(ctx, systemPrompt, userPrompt(in), &r); err != nil {
		adv := Fallback(in)
		a.logger.Warn("advisor: model failed, using fallback", "action", adv.Action, "err", err)
		return adv
	}

	adv, ok := parse(r)
	if !ok {
		fb := Fallback(in)
		a.logger.Warn("advisor: unusable proposal, using fallback", "proposed", r.Action, "action", fb.Action)
		return fb
	}
	if adv.Action != ActionStop {
		phrase, cfg := adv.Next(in)
		if attempted(in.History, in.Platform, phrase, cfg) {
			fb := Fallback(in)
			a.logger.Info("advisor: proposal already tried, using fallback",
				"keywords", phrase, "config", cfg.Canonical(), "action", fb.Action)
			return fb
		}
	}
	a.logger.Info("advisor: suggested", "action", adv.Action, "keywords", adv.NewKeywords, "reason", adv.Reason)
	return adv
}

// Fallback is the deterministic policy used when the model is unusable.
func Fallback(in Input) Advice {
	switch {
	case in.ProductCount >= Target:
		return Advice{Action: ActionStop, Reason: "target reached"}
	case len(in.History) >= MaxAttempts:
		return Advice{Action: ActionStop, Reason: "too many attempts, accepting best effort"}
	case in.ProductCount == 0:
		first := in.OriginalPhrase
		if f := strings.Fields(first); len(f) > 0 {
			first = f[0]
		}
		return Advice{Action: ActionWidenKeywords, Reason: "no results, broadening", NewKeywords: first}
	default:
		return Advice{Action: ActionWidenKeywords, Reason: "some results, trying a broader term", NewKeywords: "product"}
	}
}

func parse(r reply) (Advice, bool) {
	adv := Advice{Reason: r.Reason}
	switch strings.ToLower(strings.TrimSpace(r.Action)) {
	case "widen_keywords", "change_keywords":
		kw, err := keywords.Format(r.NewKeywords, keywords.DefaultMaxWords)
		if err != nil {
			return adv, false
		}
		adv.Action, adv.NewKeywords = ActionWidenKeywords, kw
	case "change_config":
		if len(r.NewConfig) == 0 {
			return adv, false
		}
		adv.Action = ActionChangeConfig
		adv.NewConfig = make(domain.PlatformConfig, len(r.NewConfig))
		for k, v := range r.NewConfig {
			adv.NewConfig[k] = stringify(v)
		}
	case "stop", "stop_searching":
		adv.Action = ActionStop
	default:
		return adv, false
	}
	return adv, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func attempted(history []domain.SearchAttemptRecord, p domain.Platform, phrase string, cfg domain.PlatformConfig) bool {
	key := domain.NewAttemptKey(p, phrase, cfg)
	for _, h := range history {
		if h.Key() == key {
			return true
		}
	}
	return false
}

const systemPrompt = "You are an expert at optimizing product searches across multiple platforms. " +
	"Your goal is to find at least 20 products, with 40 or more being ideal. " +
	"Suggest whether to try different keywords or a different platform configuration based on the current results. " +
	"Never suggest a keyword and config combination that has already been tried. You only return JSON."

func userPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Current search results:\n")
	fmt.Fprintf(&b, "- Platform: %s\n", in.Platform)
	fmt.Fprintf(&b, "- Keywords: %q\n", in.CurrentPhrase)
	fmt.Fprintf(&b, "- Platform Config: %s\n", in.CurrentConfig.Canonical())
	fmt.Fprintf(&b, "- Products Found: %d\n", in.ProductCount)
	fmt.Fprintf(&b, "- Original Keywords: %q\n\n", in.OriginalPhrase)

	b.WriteString("Already attempted searches:\n")
	for _, h := range in.History {
		fmt.Fprintf(&b, "- %s (%s, config %s): %d products\n", h.Keywords, h.Platform, h.PlatformConfig.Canonical(), h.ProductCount)
	}
	fmt.Fprintf(&b, "\nTarget: at least %d products (%d+ is ideal)\n\n", Target, Ideal)
	b.WriteString(`Based on these results, suggest the next search strategy. Consider:
1. If we got 0 results, broaden toward the first word of the original keywords or change config
2. If we got some results but not enough, try a broader approach or simpler keywords
3. If many combinations failed, suggest synonyms or related terms
4. Never suggest a combination that has already been attempted

For keyword suggestions, consider synonyms and related terms. For example:
- "dollcore" -> "doll", "kawaii", "cute", "aesthetic", "pastel"
- "gaming" -> "video games", "console", "controller"
- "fitness" -> "workout", "exercise", "gym"

Return a JSON object with:
- "action": "widen_keywords" or "change_config" or "stop"
- "reason": brief explanation of your strategy
`)
	fmt.Fprintf(&b, "- \"newKeywords\": if widening, simpler or broader keywords (max %d words)\n", keywords.DefaultMaxWords)
	b.WriteString("- \"newConfig\": if changing config, the platform configuration keys to change\n")
	return b.String()
}
