package backend

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/WessleyAI/shopsearch/engine/domain"
)

// maxBody bounds how much of a provider response is read.
const maxBody = 8 << 20

// send performs req and returns the status and body. Transport failures
// come back as ErrNetwork; caller cancellation comes back unchanged.
func (b *base) send(ctx context.Context, op string, req *http.Request) (int, []byte, error) {
	resp, err := b.deps.Client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, domain.NewProviderError(b.platform, op, 0, domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return resp.StatusCode, nil, domain.NewProviderError(b.platform, op, resp.StatusCode, domain.ErrNetwork, err)
	}
	return resp.StatusCode, body, nil
}

// classify maps a non-2xx status onto the provider error taxonomy.
func (b *base) classify(op string, status int, body []byte) error {
	return domain.NewProviderError(b.platform, op, status, statusKind(status), errors.New(snippet(body)))
}

func statusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.ErrCredentialRejected
	case status == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case status >= 500:
		return domain.ErrNetwork
	default:
		return domain.ErrMalformedResponse
	}
}

// malformed wraps a decode failure.
func (b *base) malformed(op string, status int, err error) error {
	return domain.NewProviderError(b.platform, op, status, domain.ErrMalformedResponse, err)
}

func snippet(body []byte) string {
	const n = 200
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}

func ok(status int) bool { return status >= 200 && status < 300 }
