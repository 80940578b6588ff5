package simple

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowFetchSchemes(t *testing.T) {
	p := New(nil)
	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/a", true},
		{"http://example.com", true},
		{"file:///Users/me/notes.html", false},
		{"about:blank", false},
		{"data:text/html,hi", false},
		{"https://", false},
		{"://bad", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.AllowFetch(tc.url), tc.url)
	}
}

func TestBlockedHosts(t *testing.T) {
	p := New([]string{"localhost", "*.internal.example", ".ru", "  ", "*."})

	t.Run("exact match", func(t *testing.T) {
		assert.True(t, p.IsBlocked("localhost"))
		assert.True(t, p.IsBlocked("LOCALHOST"))
		assert.False(t, p.AllowFetch("http://localhost:8080/admin"))
		assert.False(t, p.IsBlocked("notlocalhost"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		cases := []struct {
			host    string
			blocked bool
		}{
			{"internal.example", true},
			{"wiki.internal.example", true},
			{"example.ru", true},
			{"ru", true},
			{"example.com", false},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.blocked, p.IsBlocked(tc.host), tc.host)
		}
	})

	t.Run("empty patterns ignored", func(t *testing.T) {
		assert.Len(t, p.exact, 1)
		assert.Len(t, p.suffixes, 2)
	})
}
