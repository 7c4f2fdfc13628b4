package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/avelins/paperscout/llm"
	"github.com/avelins/paperscout/rank"
	"github.com/avelins/paperscout/sources"
)

const analysisSummaryMax = 800

const analyzeSystemPrompt = `You judge how relevant a retrieved document is to a research task.
Score relevance 0-100, write a two-sentence summary, quote the key fragments
that support the score and explain your reasoning in one short paragraph.
Return a JSON object: {"relevance": number, "summary": string, "key_fragments": string, "contextual_reasoning": string}`

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// HeuristicRelevance blends query-term overlap with the normalized BM25
// score: 0.7 overlap + 0.3 bm25, both on a 0-100 scale.
func HeuristicRelevance(taskQuery string, c sources.Candidate) float64 {
	queryTokens := rank.TokenSet(taskQuery)
	docTokens := rank.TokenSet(c.Title + " " + c.Summary)
	overlap := 0
	for t := range queryTokens {
		if docTokens[t] {
			overlap++
		}
	}
	denom := len(queryTokens)
	if denom < 1 {
		denom = 1
	}
	termScore := 100 * float64(overlap) / float64(denom)
	bm25 := clamp(c.BM25Score, 0, 100)
	return clamp(0.7*termScore+0.3*bm25, 0, 100)
}

// Analyzer judges ranked candidates, with an optional agent pass.
type Analyzer struct {
	Gateway       *llm.Gateway
	UseAgent      bool
	MaxConcurrent int64

	cache *analysisCache
}

func NewAnalyzer(gw *llm.Gateway, useAgent bool, maxConcurrent int64) *Analyzer {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &Analyzer{
		Gateway:       gw,
		UseAgent:      useAgent,
		MaxConcurrent: maxConcurrent,
		cache:         newAnalysisCache(1000),
	}
}

// Analyze judges up to maxAnalyze candidates in ranked order. Results keep
// the input order. With maxAnalyze <= 0 no candidate is judged and no agent
// call is made.
func (a *Analyzer) Analyze(ctx context.Context, task Task, candidates []sources.Candidate, maxAnalyze int) []AnalysisResult {
	if maxAnalyze <= 0 || len(candidates) == 0 {
		return nil
	}
	if len(candidates) > maxAnalyze {
		candidates = candidates[:maxAnalyze]
	}

	results := make([]AnalysisResult, len(candidates))
	useAgent := a.UseAgent && a.Gateway.Configured()

	sem := semaphore.NewWeighted(a.MaxConcurrent)
	var wg sync.WaitGroup
	for i, c := range candidates {
		key := cacheKey(task.Query, c.SourceID)
		if cached, ok := a.cache.get(key); ok {
			cached.Candidate = c
			results[i] = cached
			continue
		}
		wg.Add(1)
		go func(i int, c sources.Candidate, key uint64) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = a.heuristicResult(task, c)
				return
			}
			defer sem.Release(1)

			var res AnalysisResult
			if useAgent {
				agentRes, err := a.analyzeWithAgent(ctx, task, c)
				if err != nil {
					log.WithFields(log.Fields{"source_id": c.SourceID, "err": err}).
						Warn("analysis agent failed, using heuristic")
					res = a.heuristicResult(task, c)
				} else {
					res = agentRes
				}
			} else {
				res = a.heuristicResult(task, c)
			}
			results[i] = res
			a.cache.put(key, res)
		}(i, c, key)
	}
	wg.Wait()
	return results
}

func (a *Analyzer) heuristicResult(task Task, c sources.Candidate) AnalysisResult {
	return AnalysisResult{
		Candidate: c,
		Relevance: HeuristicRelevance(task.Query, c),
		Summary:   truncateRunes(c.Summary, analysisSummaryMax),
	}
}

func (a *Analyzer) analyzeWithAgent(ctx context.Context, task Task, c sources.Candidate) (AnalysisResult, error) {
	payload, err := json.Marshal(map[string]string{
		"title":   c.Title,
		"summary": truncateRunes(c.Summary, analysisSummaryMax),
	})
	if err != nil {
		return AnalysisResult{}, err
	}
	user := fmt.Sprintf("Task: %s\nDocument: %s", task.Query, payload)

	var out llm.AnalysisOutput
	if err := a.Gateway.RunJSON(ctx, "analyze", analyzeSystemPrompt, user, &out); err != nil {
		return AnalysisResult{}, err
	}
	return AnalysisResult{
		Candidate:           c,
		Relevance:           clamp(out.Relevance, 0, 100),
		Summary:             out.Summary,
		KeyFragments:        out.KeyFragments,
		ContextualReasoning: out.ContextualReasoning,
	}, nil
}
