package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelins/paperscout/pipeline"
	"github.com/avelins/paperscout/sources"
	"github.com/avelins/paperscout/store"
)

func testAPI() *API {
	registry := sources.NewRegistry(sources.DefaultRegistryConfig())
	pipe := pipeline.New(registry, nil, pipeline.DefaultConfig())
	return NewAPI(store.NewMemoryStore(), pipe)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(testAPI().Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRunValidatesBounds(t *testing.T) {
	srv := httptest.NewServer(testAPI().Router())
	defer srv.Close()

	for name, body := range map[string]string{
		"missing query":      `{"max_queries": 5, "bm25_top_k": 20}`,
		"max_queries high":   `{"query": "x", "max_queries": 50, "bm25_top_k": 20}`,
		"bm25_top_k low":     `{"query": "x", "max_queries": 5, "bm25_top_k": 2}`,
		"min_relevance high": `{"query": "x", "min_relevance": 150}`,
	} {
		resp, err := http.Post(srv.URL+"/v1/run", "application/json", strings.NewReader(body))
		require.NoError(t, err, name)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, name)
	}
}

func TestRunRejectsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(testAPI().Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/run", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunAppliesDefaultsAndRuns(t *testing.T) {
	srv := httptest.NewServer(testAPI().Router())
	defer srv.Close()

	// No sources registered, so the cycle completes with nothing to report.
	resp, err := http.Post(srv.URL+"/v1/run", "application/json",
		strings.NewReader(`{"query": "retrieval augmented generation"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out pipeline.Output
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, pipeline.DefaultMaxQueries, out.Task.MaxQueries)
	assert.Equal(t, pipeline.DefaultBM25TopK, out.Task.BM25TopK)
	assert.Equal(t, pipeline.DefaultMaxAnalyze, out.Task.MaxAnalyze)
	assert.False(t, out.ShouldNotify)
}

func TestQueueStatus(t *testing.T) {
	srv := httptest.NewServer(testAPI().Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/queue")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
