package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

func TestSummarizeSendsPromptAndReturnsResponse(t *testing.T) {
	t.Parallel()

	requests := make(chan generateRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		requests <- req
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "  A short summary. \n"})
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL}, nil)
	got, err := s.Summarize(context.Background(), "page text")
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", got)

	req := <-requests
	assert.Equal(t, DefaultModel, req.Model)
	assert.False(t, req.Stream)
	assert.True(t, strings.HasPrefix(req.Prompt, "Summarize the following webpage, using 30 words or less."))
	assert.True(t, strings.HasSuffix(req.Prompt, "\n\npage text"))
}

func TestSummarizeTruncatesInput(t *testing.T) {
	t.Parallel()

	requests := make(chan generateRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		requests <- req
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "ok"})
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL, Prompt: "P:", MaxInputChars: 5}, nil)
	_, err := s.Summarize(context.Background(), "héllo world")
	require.NoError(t, err)
	assert.Equal(t, "P:héllo", (<-requests).Prompt)
}

func TestSummarizeFailureKinds(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		handler http.HandlerFunc
		want    digest.FailureKind
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}, digest.KindStatus},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}, digest.KindParse},
		{"empty response", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"response":"   "}`))
		}, digest.KindNoContent},
		{"error field", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"out of memory"}`))
		}, digest.KindStatus},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := New(Config{URL: srv.URL}, nil).Summarize(context.Background(), "x")
			var te *digest.TransformError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, digest.StageSummarize, te.Stage)
			assert.Equal(t, tc.want, te.Kind)
		})
	}
}

func TestSummarizeTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"response":"late"}`))
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(Config{URL: srv.URL, Timeout: 30 * time.Millisecond}, nil).Summarize(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, digest.KindTimeout, digest.KindOf(err))
}

func TestSummarizeUnreachable(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: "http://127.0.0.1:1/api/generate"}, nil).Summarize(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, digest.KindNetwork, digest.KindOf(err))
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil)
	assert.Equal(t, DefaultURL, s.cfg.URL)
	assert.Equal(t, DefaultTimeout, s.cfg.Timeout)
	assert.Equal(t, DefaultMaxInputChars, s.cfg.MaxInputChars)
	assert.Equal(t, DefaultTimeout, s.client.Timeout)
}
