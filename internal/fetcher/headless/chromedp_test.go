package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	f := NewChromedp(Config{})
	assert.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	assert.Equal(t, 500*time.Millisecond, f.cfg.Settle)
	assert.Nil(t, f.allocator, "browser must not start before first use")
	require.NoError(t, f.Close())
}

func TestAllocatorIsReusedAndReleased(t *testing.T) {
	t.Parallel()

	f := NewChromedp(Config{NavigationTimeout: time.Second})
	first := f.allocatorContext()
	second := f.allocatorContext()
	assert.Equal(t, first, second)

	require.NoError(t, f.Close())
	assert.Nil(t, f.allocator)
	assert.ErrorIs(t, first.Err(), context.Canceled)
	require.NoError(t, f.Close())
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 203, URL: "https://example.com/rendered"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://ads/frame"},
	})

	status, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 203, status)
	assert.Equal(t, "https://example.com/rendered", url)
}

func TestResponseMetaFallbacks(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	status, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://req", url)

	_, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, "https://final", url)

	meta.captureEvent("not an event")
	status, _ = meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, http.StatusOK, status)
}
