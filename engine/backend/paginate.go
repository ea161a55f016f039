package backend

import (
	"context"
	"fmt"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/fn"
	"github.com/WessleyAI/shopsearch/pkg/resilience"
)

// pageFetch returns the normalized products of one 1-based page.
type pageFetch func(ctx context.Context, page int) ([]domain.Product, error)

// paginate fetches pages 1..maxPages through the platform guard, retrying
// transient failures. A first-page failure is ErrBackendExhausted; a later
// failure keeps what was collected. An empty page ends pagination.
func (b *base) paginate(ctx context.Context, op string, maxPages int, fetch pageFetch) (Result, error) {
	res := Result{Platform: b.platform}
	guard := b.deps.Guards.Get(string(b.platform))
	retry := b.deps.Retry.With(fmt.Sprintf("%s.%s", b.platform, op))

	for page := 1; page <= maxPages; page++ {
		if page > 1 {
			if err := b.deps.Sleep(ctx, b.deps.PagePause); err != nil {
				return res, err
			}
		}

		items, err := fn.Retry(ctx, retry, func(ctx context.Context) fn.Result[[]domain.Product] {
			return resilience.Guarded(ctx, guard, func(ctx context.Context) ([]domain.Product, error) {
				return fetch(ctx, page)
			})
		}).Unwrap()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if page == 1 {
				b.logger.Warn("backend: first page failed", "op", op, "error_class", domain.ErrorClass(err), "err", err)
				return res, fmt.Errorf("%w: %w", domain.ErrBackendExhausted, err)
			}
			b.logger.Warn("backend: page failed, keeping partial results",
				"op", op, "page", page, "collected", len(res.Products), "err", err)
			break
		}

		res.Pages = page
		if len(items) == 0 {
			break
		}
		res.Products = append(res.Products, items...)
	}

	res.Products = domain.Renumber(res.Products)
	b.logger.Info("backend: search complete", "op", op, "pages", res.Pages, "products", len(res.Products))
	return res, nil
}
