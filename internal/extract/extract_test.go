package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

const samplePage = `<html>
<head><title>  Go Release Notes </title><style>body{color:red}</style></head>
<body>
  <script>var tracking = 1;</script>
  <h1>Go 1.25</h1>
  <p>
     Faster builds.
  </p>

  <noscript>enable javascript</noscript>
  <ul><li>one</li><li>two</li></ul>
</body></html>`

func TestTextStripsScriptsAndBlankLines(t *testing.T) {
	t.Parallel()

	got := Text(samplePage)
	assert.Equal(t, "Go Release Notes\nGo 1.25\nFaster builds.\none\ntwo", got)
	assert.NotContains(t, got, "tracking")
	assert.NotContains(t, got, "color:red")
	assert.NotContains(t, got, "enable javascript")
}

func TestTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Go Release Notes", Title(samplePage))
	assert.Equal(t, digest.NoTitle, Title("<html><body>hi</body></html>"))
	assert.Equal(t, digest.NoTitle, Title("<title>   </title>"))
}

func TestPage(t *testing.T) {
	t.Parallel()

	page, err := Page("https://go.dev", samplePage)
	require.NoError(t, err)
	assert.Equal(t, "https://go.dev", page.URL)
	assert.Equal(t, "Go Release Notes", page.Title)
	assert.True(t, strings.HasPrefix(page.Text, "Go Release Notes"))
}

func TestPageWithoutTextIsNoContent(t *testing.T) {
	t.Parallel()

	_, err := Page("https://empty", "<html><body><script>app()</script></body></html>")
	require.Error(t, err)
	assert.Equal(t, digest.KindNoContent, digest.KindOf(err))
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	body := "<html><body><script>" + strings.Repeat("x", 80) + "</script><p>hi</p></body></html>"
	doc, err := Parse(body)
	require.NoError(t, err)
	share := doc.ScriptShare(len(body))
	assert.Greater(t, share, 0.5)
	assert.True(t, doc.Has("script"))
	assert.False(t, doc.Has("#root"))
	assert.Zero(t, doc.ScriptShare(0))
}
