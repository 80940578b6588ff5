package fetcher

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/browsing-digest/internal/extract"
)

// Detector promotes probe responses that look like client-rendered shells.
type Detector struct {
	// MinTextChars is the visible text length below which a page is suspect.
	MinTextChars int
	// MaxScriptShare is the share of markup inside <script> that forces promotion.
	MaxScriptShare float64
}

// NewDetector creates a Detector. A zero threshold selects the default of 200 characters.
func NewDetector(minTextChars int) *Detector {
	if minTextChars <= 0 {
		minTextChars = 200
	}
	return &Detector{MinTextChars: minTextChars, MaxScriptShare: 0.25}
}

var shellSelectors = []string{"#__next", "#root", "#app", "[data-reactroot]", "[ng-app]"}

var shellMarkers = [][]byte{
	[]byte("__NEXT_DATA__"),
	[]byte("window.__APOLLO_STATE__"),
}

// ShouldPromote reports whether resp needs a headless render.
func (d *Detector) ShouldPromote(resp Response) bool {
	if resp.StatusCode != http.StatusOK || resp.Rendered {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	doc, err := extract.Parse(string(resp.Body))
	if err != nil {
		return false
	}
	scriptShare := doc.ScriptShare(len(resp.Body))
	shell := false
	for _, sel := range shellSelectors {
		if doc.Has(sel) {
			shell = true
			break
		}
	}
	// Text strips scripts from doc, so it runs last.
	if len(doc.Text()) >= d.MinTextChars {
		return false
	}
	if shell || scriptShare >= d.MaxScriptShare {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(resp.Body, marker) {
			return true
		}
	}
	return false
}
