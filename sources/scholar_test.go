package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const ddgFixture = `<html><body>
<div class="result">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fscholar.google.com%2Fcitations%3Fuser%3Dabc">First <b>Paper</b> Title</a>
  <a class="result__snippet" href="#">Snippet about the first paper.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://scholar.google.com/scholar?q=second">Second Title</a>
  <a class="result__snippet" href="#">Second snippet.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://scholar.google.com/scholar?q=third">Third Title</a>
  <a class="result__snippet" href="#">Third snippet.</a>
</div>
</body></html>`

func TestScholarSearchParsesResults(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotQuery = r.Form.Get("q")
		w.Write([]byte(ddgFixture))
	}))
	defer srv.Close()

	s := &Scholar{BaseURL: srv.URL, Client: srv.Client()}
	got, err := s.Search(context.Background(), "attention mechanisms", SearchOptions{MaxResults: 10})
	require.NoError(t, err)
	require.Equal(t, "site:scholar.google.com attention mechanisms", gotQuery)

	require.Len(t, got, 3)
	// Redirect links are unwrapped, markup stripped from titles.
	require.Equal(t, "https://scholar.google.com/citations?user=abc", got[0].AbsURL)
	require.Equal(t, got[0].AbsURL, got[0].SourceID)
	require.Equal(t, "First Paper Title", got[0].Title)
	require.Equal(t, "Snippet about the first paper.", got[0].Summary)
}

func TestScholarSearchClientSideOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ddgFixture))
	}))
	defer srv.Close()

	s := &Scholar{BaseURL: srv.URL, Client: srv.Client()}
	got, err := s.Search(context.Background(), "q", SearchOptions{MaxResults: 1, Start: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Second Title", got[0].Title)
}
