package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/digest"
	storemem "github.com/JakeFAU/browsing-digest/internal/store/memory"
	"github.com/JakeFAU/browsing-digest/internal/worker"
)

type fakeStatus struct {
	state    worker.State
	buffered int
}

func (f fakeStatus) State() worker.State { return f.state }
func (f fakeStatus) Buffered() int       { return f.buffered }

type brokenStore struct {
	*storemem.Store
}

func (brokenStore) Get(context.Context, string) (digest.SummaryRecord, bool, error) {
	return digest.SummaryRecord{}, false, errors.New("database is locked")
}

func newTestServer(t *testing.T, ready ReadyFunc) (*Server, *storemem.Store) {
	t.Helper()
	store := storemem.New()
	workers := []StatusSource{
		fakeStatus{state: worker.StateConsuming, buffered: 3},
		fakeStatus{state: worker.StateFlushing, buffered: 0},
	}
	return NewServer(store, workers, ready, zap.NewNop()), store
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)
	rec := serve(s, http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, func(context.Context) error { return nil })
	rec := serve(s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	down, _ := newTestServer(t, func(context.Context) error { return errors.New("broker unreachable") })
	rec = serve(down, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker unreachable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)
	_ = serve(s, http.MethodGet, "/healthz")
	rec := serve(s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)
	rec := serve(s, http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers  []workerStatus `json:"workers"`
		Buffered int            `json:"buffered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Buffered)
	require.Len(t, body.Workers, 2)
	assert.Equal(t, "consuming", body.Workers[0].State)
	assert.Equal(t, "flushing", body.Workers[1].State)
	assert.Equal(t, 1, body.Workers[1].Index)
}

func TestServer_GetSummary(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t, nil)
	_, err := store.InsertIgnore(context.Background(), []digest.SummaryRecord{{
		URL: "https://example.com/a", Title: "A", Summary: "about a", VisitTime: 978307300,
	}})
	require.NoError(t, err)

	rec := serve(s, http.MethodGet, "/v1/summaries?url=https://example.com/a")
	require.Equal(t, http.StatusOK, rec.Code)
	var got summaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, summaryResponse{URL: "https://example.com/a", Title: "A", Summary: "about a", VisitTime: 978307300}, got)
}

func TestServer_GetSummaryErrors(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, serve(s, http.MethodGet, "/v1/summaries").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/v1/summaries?url=https://missing.example").Code)

	broken := NewServer(brokenStore{storemem.New()}, nil, nil, zap.NewNop())
	assert.Equal(t, http.StatusInternalServerError, serve(broken, http.MethodGet, "/v1/summaries?url=x").Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunReportsListenError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s, _ := newTestServer(t, nil)
	err = s.Run(context.Background(), ln.Addr().String())
	require.ErrorContains(t, err, "http server")
}
