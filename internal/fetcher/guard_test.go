package fetcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

type gateFunc func(string) bool

func (f gateFunc) AllowFetch(url string) bool { return f(url) }

type waiterFunc func(context.Context, string) error

func (f waiterFunc) Wait(ctx context.Context, url string) error { return f(ctx, url) }

type stubFetcher struct {
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (digest.Page, error) {
	s.calls++
	return digest.Page{URL: url, Title: "t", Text: "x"}, nil
}

func TestGuardedBlocksURL(t *testing.T) {
	next := &stubFetcher{}
	g := NewGuarded(next, gateFunc(func(string) bool { return false }), nil)

	_, err := g.Fetch(context.Background(), "file:///etc/passwd")
	var te *digest.TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, digest.KindBlocked, te.Kind)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Zero(t, next.calls)
}

func TestGuardedWaitsThenFetches(t *testing.T) {
	next := &stubFetcher{}
	var waited []string
	g := NewGuarded(next, gateFunc(func(string) bool { return true }), waiterFunc(func(_ context.Context, url string) error {
		waited = append(waited, url)
		return nil
	}))

	page, err := g.Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", page.URL)
	assert.Equal(t, []string{"https://example.com"}, waited)
	assert.Equal(t, 1, next.calls)
}

func TestGuardedLimiterFailureIsTimeout(t *testing.T) {
	next := &stubFetcher{}
	g := NewGuarded(next, nil, waiterFunc(func(context.Context, string) error {
		return errors.New("rate: Wait(n=1) would exceed context deadline")
	}))

	_, err := g.Fetch(context.Background(), "https://example.com")
	assert.Equal(t, digest.KindTimeout, digest.KindOf(err))
	assert.Zero(t, next.calls)
}

func TestGuardedWithoutGateOrLimiter(t *testing.T) {
	next := &stubFetcher{}
	_, err := NewGuarded(next, nil, nil).Fetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
}
