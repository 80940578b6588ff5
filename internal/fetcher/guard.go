package fetcher

import (
	"context"
	"errors"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

// ErrBlocked is wrapped by failures for URLs refused by the fetch policy.
var ErrBlocked = errors.New("url blocked by fetch policy")

// Gate decides whether a URL may be fetched at all.
type Gate interface {
	AllowFetch(url string) bool
}

// Waiter delays a fetch until the URL's host may be contacted again.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Guarded applies a Gate and a Waiter in front of another Fetcher.
type Guarded struct {
	next    digest.Fetcher
	gate    Gate
	limiter Waiter
}

// NewGuarded wraps next. gate and limiter may be nil.
func NewGuarded(next digest.Fetcher, gate Gate, limiter Waiter) *Guarded {
	return &Guarded{next: next, gate: gate, limiter: limiter}
}

// Fetch rejects blocked URLs and waits for the rate limiter before delegating.
func (g *Guarded) Fetch(ctx context.Context, url string) (digest.Page, error) {
	if g.gate != nil && !g.gate.AllowFetch(url) {
		return digest.Page{}, digest.Failure(digest.StageFetch, url, digest.KindBlocked, ErrBlocked)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, url); err != nil {
			return digest.Page{}, digest.Failure(digest.StageFetch, url, digest.KindTimeout, err)
		}
	}
	return g.next.Fetch(ctx, url)
}
