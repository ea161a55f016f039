package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/fn"
)

// Describer rewrites product descriptions before results are stored. It
// must return products unchanged when it cannot do better.
type Describer interface {
	Describe(ctx context.Context, articleText string, products []domain.Product) []domain.Product
}

// Model is the JSON-mode language model used for descriptions.
type Model interface {
	ChatJSON(ctx context.Context, system, user string, out any) error
}

// ToneDescriber writes one sentence per product in the article's tone.
type ToneDescriber struct {
	model    Model
	retry    fn.RetryOpts
	maxChars int
	logger   *slog.Logger
}

// NewToneDescriber creates a ToneDescriber. A nil logger uses slog.Default().
func NewToneDescriber(model Model, logger *slog.Logger) *ToneDescriber {
	if logger == nil {
		logger = slog.Default()
	}
	retry := fn.DefaultRetry
	retry.Logger = logger
	retry.Classify = domain.ErrorClass
	return &ToneDescriber{model: model, retry: retry, maxChars: 6000, logger: logger}
}

const describeSystem = "You are an assistant specialized in writing product descriptions in the same style and tone as an existing article. You only return JSON responses."

type describeItem struct {
	Position    int    `json:"position"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type describeReply struct {
	Products []describeItem `json:"products"`
}

func (d *ToneDescriber) Describe(ctx context.Context, articleText string, products []domain.Product) []domain.Product {
	if len(products) == 0 {
		return products
	}
	items := make([]describeItem, len(products))
	for i, p := range products {
		items[i] = describeItem{Position: p.Position, Title: p.Title}
	}
	raw, _ := json.Marshal(items)
	if len(articleText) > d.maxChars {
		articleText = articleText[:d.maxChars]
	}
	user := fmt.Sprintf("Add a description property matching the style and tone below to every product in the JSON array. "+
		"Write one sentence per product and keep each position. Return a JSON object with a single property \"products\" holding the array.\n\n"+
		"-----\n\nStyle and tone:\n%s\n\n-----\n\nProducts:\n%s", articleText, raw)

	r, err := fn.Retry(ctx, d.retry.With("orchestrator.describe"), func(ctx context.Context) fn.Result[describeReply] {
		var r describeReply
		if err := d.model.ChatJSON(ctx, describeSystem, user, &r); err != nil {
			return fn.Err[describeReply](err)
		}
		return fn.Ok(r)
	}).Unwrap()
	if err != nil {
		d.logger.Warn("orchestrator: descriptions failed, keeping originals", "products", len(products), "err", err)
		return products
	}

	byPos := make(map[int]string, len(r.Products))
	for _, it := range r.Products {
		if s := strings.TrimSpace(it.Description); s != "" {
			byPos[it.Position] = s
		}
	}
	out := make([]domain.Product, len(products))
	written := 0
	for i, p := range products {
		if s, ok := byPos[p.Position]; ok {
			p.Description = s
			written++
		}
		out[i] = p
	}
	d.logger.Info("orchestrator: descriptions written", "products", len(products), "written", written)
	return out
}
