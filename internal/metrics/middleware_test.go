package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// durationCount returns how many requests the latency histogram holds for
// method and route.
func durationCount(t *testing.T, method, route string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["route"] == route {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/summaries", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/v1/workers/{index}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"consuming"}`))
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	missingBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	summariesBefore := durationCount(t, http.MethodGet, "/v1/summaries")
	workersBefore := durationCount(t, http.MethodGet, "/v1/workers/{index}")

	for _, target := range []string{
		"/v1/summaries?url=https%3A%2F%2Fa.example",
		"/v1/summaries?url=https%3A%2F%2Fb.example",
		"/v1/workers/0",
		"/v1/workers/1",
		"/v1/workers/2",
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	}

	assert.Equal(t, okBefore+3, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")),
		"handlers that never call WriteHeader count as 200")
	assert.Equal(t, missingBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")))
	assert.Equal(t, summariesBefore+2, durationCount(t, http.MethodGet, "/v1/summaries"),
		"the query string does not split the route label")
	assert.Equal(t, workersBefore+3, durationCount(t, http.MethodGet, "/v1/workers/{index}"),
		"path parameters collapse into the route pattern")
	assert.Zero(t, durationCount(t, http.MethodGet, "/v1/workers/1"))
}

func TestMiddlewareOutsideRouter(t *testing.T) {
	Init()
	before := durationCount(t, http.MethodPost, "unknown")

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/raw", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, before+1, durationCount(t, http.MethodPost, "unknown"))
}
