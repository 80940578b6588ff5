// Package fetcher composes raw page retrievers into a digest.Fetcher.
//
// A probe retriever (plain HTTP) runs first; when the Detector judges the
// response to be a client-rendered shell, the page is fetched again through a
// headless renderer. Both produce a Response that is reduced to a digest.Page
// by the extract package.
package fetcher

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/digest"
	"github.com/JakeFAU/browsing-digest/internal/extract"
	"github.com/JakeFAU/browsing-digest/internal/metrics"
)

// Response is the raw result of retrieving a URL.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Rendered   bool
}

// Retriever fetches the raw body of a URL.
type Retriever interface {
	Retrieve(ctx context.Context, url string) (Response, error)
}

// Promoter decides whether a probe response needs a headless render.
type Promoter interface {
	ShouldPromote(resp Response) bool
}

// Promoting implements digest.Fetcher with an optional headless fallback.
type Promoting struct {
	probe    Retriever
	renderer Retriever
	promoter Promoter
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher. renderer and promoter may be nil,
// in which case only the probe is used.
func NewPromoting(probe Retriever, renderer Retriever, promoter Promoter, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, renderer: renderer, promoter: promoter, logger: logger}
}

// Fetch retrieves url and extracts its title and text.
func (p *Promoting) Fetch(ctx context.Context, url string) (digest.Page, error) {
	resp, err := p.probe.Retrieve(ctx, url)
	if err != nil {
		return digest.Page{}, asTransformError(url, err)
	}
	if p.renderer != nil && p.promoter != nil && p.promoter.ShouldPromote(resp) {
		rendered, renderErr := p.renderer.Retrieve(ctx, url)
		if renderErr != nil {
			p.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(renderErr))
		} else {
			p.logger.Debug("headless promotion applied", zap.String("url", url))
			resp = rendered
		}
	}
	metrics.ObserveFetch(url, resp.StatusCode, resp.Rendered, len(resp.Body))
	return ToPage(url, resp)
}

// ToPage extracts a digest.Page from a successful response.
func ToPage(url string, resp Response) (digest.Page, error) {
	if resp.StatusCode >= http.StatusBadRequest {
		return digest.Page{}, digest.Failure(digest.StageFetch, url, digest.KindStatus, StatusError(resp.StatusCode))
	}
	if len(resp.Body) == 0 {
		return digest.Page{}, digest.NoContent(digest.StageFetch, url)
	}
	return extract.Page(url, string(resp.Body))
}

// StatusError is an HTTP response code outside the 2xx/3xx range.
type StatusError int

func (e StatusError) Error() string {
	return "unexpected status " + http.StatusText(int(e))
}

func asTransformError(url string, err error) error {
	var te *digest.TransformError
	if errors.As(err, &te) {
		return err
	}
	return digest.Failure(digest.StageFetch, url, digest.KindNetwork, err)
}
