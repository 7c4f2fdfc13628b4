package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelins/paperscout/sources"
)

// --- Test fixtures ---

type fakeSource struct {
	name    string
	results map[string][]sources.Candidate
	calls   int32

	mu      sync.Mutex
	queries []string
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Search(_ context.Context, query string, _ sources.SearchOptions) ([]sources.Candidate, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.results[query], nil
}

func candidate(id, title, summary string) sources.Candidate {
	return sources.Candidate{SourceID: id, Title: title, Summary: summary, AbsURL: "https://example.org/" + id}
}

func testRegistry(srcs ...sources.Source) *sources.Registry {
	cfg := sources.RegistryConfig{TripAfter: 10, Cooldown: time.Second, RequestsPerSecond: 10000}
	return sources.NewRegistry(cfg, srcs...)
}

// --- Strategy ---

func TestInferSource(t *testing.T) {
	assert.Equal(t, sources.NamePubMed, InferSource("clinical trials for sepsis"))
	assert.Equal(t, sources.NameGitHub, InferSource("RAG code with many stars"))
	assert.Equal(t, sources.NameScholar, InferSource("survey of diffusion models"))
	assert.Equal(t, sources.NameArxiv, InferSource("sparse attention kernels"))
	// Biomedical wins over code when both appear.
	assert.Equal(t, sources.NamePubMed, InferSource("biomedical code generation"))
}

func TestHeuristicQueriesVariants(t *testing.T) {
	task := Task{Query: "retrieval augmented generation", MaxQueries: 5}
	queries := HeuristicQueries(task)
	require.Len(t, queries, 4)
	assert.Equal(t, "retrieval augmented generation", queries[0].QueryText)
	assert.Equal(t, "retrieval augmented generation AND (survey OR review)", queries[1].QueryText)
	assert.Equal(t, "retrieval augmented generation AND (benchmark OR dataset OR code)", queries[2].QueryText)
	assert.Equal(t, "retrieval augmented generation NOT theory-only", queries[3].QueryText)
	// The survey variant routes to scholar, the code variant to github.
	assert.Equal(t, sources.NameScholar, queries[1].Source)
	assert.Equal(t, sources.NameGitHub, queries[2].Source)
}

func TestHeuristicQueriesTruncated(t *testing.T) {
	task := Task{Query: "x", MaxQueries: 2}
	assert.Len(t, HeuristicQueries(task), 2)
}

func TestPlanKeepsUserQueries(t *testing.T) {
	s := &Strategist{UseAgent: false}
	task := Task{Query: "topic", MaxQueries: 5, Queries: []string{"exact phrase one", "  ", "survey of things"}}
	queries := s.Plan(context.Background(), task)
	require.Len(t, queries, 2)
	assert.Equal(t, "exact phrase one", queries[0].QueryText)
	assert.Equal(t, sources.NameArxiv, queries[0].Source)
	assert.Equal(t, sources.NameScholar, queries[1].Source)
}

func TestPlanFallsBackWithoutAgent(t *testing.T) {
	s := &Strategist{UseAgent: true} // nil gateway is not configured
	queries := s.Plan(context.Background(), Task{Query: "graph neural networks", MaxQueries: 5})
	require.Len(t, queries, 4)
}

// --- Retrieval ---

func TestCollectDeduplicatesAcrossQueries(t *testing.T) {
	src := &fakeSource{
		name: sources.NameArxiv,
		results: map[string][]sources.Candidate{
			"q1": {candidate("a", "A", ""), candidate("b", "B", "")},
			"q2": {candidate("b", "B", ""), candidate("c", "C", "")},
		},
	}
	r := &Retriever{Registry: testRegistry(src)}
	got := r.Collect(context.Background(), []Query{
		{QueryText: "q1", Source: sources.NameArxiv},
		{QueryText: "q2", Source: sources.NameArxiv},
	})
	require.Len(t, got, 3)
	seen := map[string]bool{}
	for _, c := range got {
		assert.False(t, seen[c.SourceID], "duplicate %s", c.SourceID)
		seen[c.SourceID] = true
	}
}

func TestCollectSkipsUnknownSource(t *testing.T) {
	src := &fakeSource{
		name:    sources.NameArxiv,
		results: map[string][]sources.Candidate{"q": {candidate("a", "A", "")}},
	}
	r := &Retriever{Registry: testRegistry(src)}
	got := r.Collect(context.Background(), []Query{
		{QueryText: "q", Source: sources.NameArxiv},
		{QueryText: "q", Source: "nosuch"},
	})
	assert.Len(t, got, 1)
}

func TestCollectBroadensOnceWhenEmpty(t *testing.T) {
	src := &fakeSource{
		name: sources.NameArxiv,
		results: map[string][]sources.Candidate{
			"alpha AND beta": nil,
			"alpha":          {candidate("a", "A", "")},
		},
	}
	r := &Retriever{Registry: testRegistry(src)}
	got := r.Collect(context.Background(), []Query{{QueryText: "alpha AND beta", Source: sources.NameArxiv}})
	require.Len(t, got, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestCollectNoSecondRetryWhenBroadenedEmpty(t *testing.T) {
	src := &fakeSource{name: sources.NameArxiv, results: map[string][]sources.Candidate{}}
	r := &Retriever{Registry: testRegistry(src)}
	got := r.Collect(context.Background(), []Query{{QueryText: "alpha AND beta AND gamma", Source: sources.NameArxiv}})
	assert.Empty(t, got)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestBroadenQuery(t *testing.T) {
	alts := BroadenQuery("alpha AND beta AND gamma")
	require.Len(t, alts, 3)
	assert.Equal(t, "alpha AND beta", alts[0])
	assert.Equal(t, "alpha AND beta", alts[1])
	assert.Equal(t, "alpha and beta and gamma", alts[2])

	alts = BroadenQuery("single phrase")
	require.Len(t, alts, 1)
	assert.Equal(t, "single phrase", alts[0])
}

// --- Analysis ---

func TestHeuristicRelevanceFormula(t *testing.T) {
	// Query has 4 distinct terms, the doc covers 3 of them.
	c := sources.Candidate{
		Title:     "sparse retrieval methods",
		Summary:   "augmented pipelines",
		BM25Score: 10,
	}
	got := HeuristicRelevance("sparse retrieval augmented generation", c)
	want := 0.7*(100*3.0/4.0) + 0.3*10
	assert.InDelta(t, want, got, 1e-9)
}

func TestHeuristicRelevanceClamped(t *testing.T) {
	c := sources.Candidate{Title: "alpha", Summary: "alpha", BM25Score: 1e6}
	assert.Equal(t, 100.0, HeuristicRelevance("alpha", c))
	assert.Equal(t, 0.0, HeuristicRelevance("", sources.Candidate{Title: "x"}))
}

func TestAnalyzeMaxZeroSkipsEverything(t *testing.T) {
	a := NewAnalyzer(nil, true, 2)
	got := a.Analyze(context.Background(), Task{Query: "q"}, []sources.Candidate{candidate("a", "A", "s")}, 0)
	assert.Nil(t, got)
}

func TestAnalyzeTruncatesSummary(t *testing.T) {
	long := ""
	for i := 0; i < 900; i++ {
		long += "x"
	}
	a := NewAnalyzer(nil, false, 2)
	got := a.Analyze(context.Background(), Task{Query: "q"}, []sources.Candidate{candidate("a", "A", long)}, 5)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Summary, analysisSummaryMax)
}

func TestAnalyzeUsesCache(t *testing.T) {
	a := NewAnalyzer(nil, false, 2)
	task := Task{Query: "alpha beta"}
	cands := []sources.Candidate{candidate("a", "alpha beta", "alpha")}
	first := a.Analyze(context.Background(), task, cands, 5)
	require.Len(t, first, 1)
	assert.Equal(t, 1, a.cache.len())

	second := a.Analyze(context.Background(), task, cands, 5)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Relevance, second[0].Relevance)
	assert.Equal(t, 1, a.cache.len())
}

func TestCacheEvictsOldestTenth(t *testing.T) {
	c := newAnalysisCache(10)
	for i := 0; i < 10; i++ {
		c.put(cacheKey("t", fmt.Sprintf("id-%d", i)), AnalysisResult{Relevance: float64(i)})
	}
	assert.Equal(t, 10, c.len())

	c.put(cacheKey("t", "id-10"), AnalysisResult{Relevance: 10})
	assert.Equal(t, 10, c.len())
	_, ok := c.get(cacheKey("t", "id-0"))
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.get(cacheKey("t", "id-10"))
	assert.True(t, ok)
}

// --- Decision ---

func TestScoreResultPracticalBonus(t *testing.T) {
	base := AnalysisResult{Relevance: 70, Summary: "a plain theoretical treatment"}
	assert.Equal(t, 70.0, ScoreResult(base))

	withCode := AnalysisResult{Relevance: 70, Summary: "Includes GitHub code and a benchmark"}
	assert.Equal(t, 75.0, ScoreResult(withCode))

	capped := AnalysisResult{Relevance: 98, Summary: "dataset release"}
	assert.Equal(t, 100.0, ScoreResult(capped))
}

func TestSelectTopThresholdBoundaries(t *testing.T) {
	analyzed := []AnalysisResult{
		{Relevance: 0, Summary: "nothing"},
		{Relevance: 100, Summary: "everything"},
	}
	// min_relevance 0 keeps both, 100 keeps only the perfect score.
	assert.Len(t, SelectTop(analyzed, 0), 2)
	got := SelectTop(analyzed, 100)
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].OverallScore)
}

func TestSelectTopOrdersAndCaps(t *testing.T) {
	var analyzed []AnalysisResult
	for _, rel := range []float64{60, 90, 70, 80, 85} {
		analyzed = append(analyzed, AnalysisResult{Relevance: rel, Summary: "plain"})
	}
	got := SelectTop(analyzed, 50)
	require.Len(t, got, 3)
	assert.Equal(t, 90.0, got[0].OverallScore)
	assert.Equal(t, 85.0, got[1].OverallScore)
	assert.Equal(t, 80.0, got[2].OverallScore)
}

func TestDecideEmptySelection(t *testing.T) {
	d := &Decider{}
	selected, notify, report := d.Decide(context.Background(), Task{Query: "q", MinRelevance: 90},
		[]AnalysisResult{{Relevance: 10, Summary: "weak"}})
	assert.Nil(t, selected)
	assert.False(t, notify)
	assert.Empty(t, report)
}

func TestDecideTemplateReport(t *testing.T) {
	d := &Decider{}
	analyzed := []AnalysisResult{{
		Candidate: sources.Candidate{Title: "Paper One", AbsURL: "https://example.org/p1"},
		Relevance: 80,
		Summary:   "Covers retrieval pipelines in depth. Second sentence.",
	}}
	selected, notify, report := d.Decide(context.Background(), Task{Query: "retrieval pipelines", MinRelevance: 50}, analyzed)
	require.Len(t, selected, 1)
	assert.True(t, notify)
	assert.Contains(t, report, "Findings for your task: retrieval pipelines")
	assert.Contains(t, report, "- Paper One")
	assert.Contains(t, report, "Why useful for this task: addresses retrieval, pipelines relevant to your task")
	assert.Contains(t, report, "Link: https://example.org/p1")
}

func TestWhyForTask(t *testing.T) {
	assert.Equal(t, "addresses retrieval, generation relevant to your task",
		whyForTask("retrieval augmented generation", "A retrieval and generation study"))
	assert.Equal(t, "A standalone result about something else entirely",
		whyForTask("quantum topology", "A standalone result about something else entirely. More text."))
	assert.Equal(t, "directly related methods and findings", whyForTask("quantum topology", ""))
}

func TestWhyForTaskTruncated(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "word" + fmt.Sprint(i) + " "
	}
	got := whyForTask("unrelated query", long)
	assert.LessOrEqual(t, len(got), whyMaxLen)
	assert.True(t, len(got) > 3 && got[len(got)-3:] == "...")
}

func TestWhyForTaskTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("обучение с подкреплением ", 20)
	got := whyForTask("unrelated query", long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len([]rune(got)), whyMaxLen)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestCompactReportTextRuneCap(t *testing.T) {
	long := strings.Repeat("многоязычный заголовок статьи\n", 200)
	got := compactReportText(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len([]rune(got)), reportMaxLen)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestCompactReportText(t *testing.T) {
	got := compactReportText("line one\n\n   \nline two\n")
	assert.Equal(t, "line one\nline two", got)
}

// --- End to end ---

func TestPipelineRunHeuristicOnly(t *testing.T) {
	results := map[string][]sources.Candidate{}
	for _, q := range []string{
		"retrieval augmented generation",
		"retrieval augmented generation NOT theory-only",
	} {
		results[q] = []sources.Candidate{
			candidate("2401.0001", "Retrieval augmented generation survey", "A broad retrieval augmented generation study with code on GitHub."),
			candidate("2401.0002", "Unrelated quantum paper", "Topological phases."),
		}
	}
	arxiv := &fakeSource{name: sources.NameArxiv, results: results}
	scholar := &fakeSource{name: sources.NameScholar, results: results}
	github := &fakeSource{name: sources.NameGitHub, results: results}

	p := New(testRegistry(arxiv, scholar, github), nil, Config{MaxConcurrentAnalysis: 2})
	out, err := p.Run(context.Background(), Task{Query: "retrieval augmented generation", MaxAnalyze: 10, MinRelevance: 40})
	require.NoError(t, err)

	assert.Len(t, out.GeneratedQueries, 4)
	require.NotEmpty(t, out.Analyzed)
	require.NotEmpty(t, out.Selected)
	assert.True(t, out.ShouldNotify)
	assert.Contains(t, out.ReportText, "Findings for your task")
	// Duplicates across the sources collapse to two unique candidates.
	assert.LessOrEqual(t, len(out.Analyzed), 2)
	// The relevant paper outranks the unrelated one.
	assert.Equal(t, "2401.0001", out.Selected[0].Result.Candidate.SourceID)
}

func TestApplyDefaults(t *testing.T) {
	task := Task{Query: "topic"}
	task.ApplyDefaults()
	assert.Equal(t, DefaultMaxQueries, task.MaxQueries)
	assert.Equal(t, DefaultBM25TopK, task.BM25TopK)
	assert.Equal(t, DefaultMaxAnalyze, task.MaxAnalyze)
	assert.Equal(t, 0.0, task.MinRelevance)

	explicit := Task{Query: "topic", MaxQueries: 3, BM25TopK: 10, MaxAnalyze: 2, MinRelevance: 80}
	explicit.ApplyDefaults()
	assert.Equal(t, 3, explicit.MaxQueries)
	assert.Equal(t, 2, explicit.MaxAnalyze)
}

func TestPipelineRunDefaultsMaxAnalyze(t *testing.T) {
	src := &fakeSource{
		name: sources.NameArxiv,
		results: map[string][]sources.Candidate{
			"q": {candidate("a", "topic paper", "about the topic")},
		},
	}
	p := New(testRegistry(src), nil, Config{MaxConcurrentAnalysis: 2})
	out, err := p.Run(context.Background(), Task{Query: "topic", Queries: []string{"q"}, MinRelevance: 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAnalyze, out.Task.MaxAnalyze)
	assert.NotEmpty(t, out.Analyzed)
}
