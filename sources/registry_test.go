package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubSource is a scripted source for registry tests.
type stubSource struct {
	name  string
	calls int
	fail  bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("upstream down")
	}
	return []Candidate{{SourceID: s.name + "-1", Title: query}}, nil
}

func fastConfig() RegistryConfig {
	cfg := DefaultRegistryConfig()
	cfg.RequestsPerSecond = 1000
	cfg.Cooldown = 50 * time.Millisecond
	return cfg
}

func TestRegistrySearchPassesThrough(t *testing.T) {
	src := &stubSource{name: NameArxiv}
	r := NewRegistry(fastConfig(), src)

	got, err := r.Search(context.Background(), NameArxiv, "rag", SearchOptions{MaxResults: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "arxiv-1", got[0].SourceID)
}

func TestRegistryUnknownSource(t *testing.T) {
	r := NewRegistry(fastConfig())
	_, err := r.Search(context.Background(), "gopher", "q", SearchOptions{})
	require.Error(t, err)
}

func TestRegistryBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	src := &stubSource{name: NameGitHub, fail: true}
	r := NewRegistry(fastConfig(), src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Search(ctx, NameGitHub, "q", SearchOptions{})
		require.Error(t, err)
	}
	require.Equal(t, 3, src.calls)

	// Breaker is open now: the source is not called anymore.
	_, err := r.Search(ctx, NameGitHub, "q", SearchOptions{})
	require.Error(t, err)
	require.Equal(t, 3, src.calls)

	// After the cooldown a half-open probe goes through again.
	time.Sleep(60 * time.Millisecond)
	src.fail = false
	got, err := r.Search(ctx, NameGitHub, "q", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 4, src.calls)
}

func TestSearchAllStopsOnShortPage(t *testing.T) {
	pages := [][]Candidate{
		{{SourceID: "a"}, {SourceID: "b"}},
		{{SourceID: "c"}},
	}
	call := 0
	src := sourceFunc(func(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
		defer func() { call++ }()
		if call >= len(pages) {
			return nil, nil
		}
		return pages[call], nil
	})

	got, err := SearchAll(context.Background(), src, "q", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 2, call)
}

func TestSearchAllHonorsLimit(t *testing.T) {
	src := sourceFunc(func(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
		page := make([]Candidate, opts.MaxResults)
		for i := range page {
			page[i] = Candidate{SourceID: "x"}
		}
		return page, nil
	})

	got, err := SearchAll(context.Background(), src, "q", 10, 25)
	require.NoError(t, err)
	require.Len(t, got, 25)
}

// sourceFunc adapts a function to the Source interface.
type sourceFunc func(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error)

func (f sourceFunc) Name() string { return "stub" }

func (f sourceFunc) Search(ctx context.Context, query string, opts SearchOptions) ([]Candidate, error) {
	return f(ctx, query, opts)
}
