package pipeline

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/llm"
	"github.com/avelins/paperscout/rank"
	"github.com/avelins/paperscout/sources"
)

const strategySystemPrompt = `You turn a user task into a compact set of boolean-friendly search queries.
- Prefer keyword-style queries (MUST/SHOULD/NOT via AND/OR/NOT, parentheses allowed)
- Avoid redundancy between queries
- Pick the best source per query: arxiv, scholar, pubmed or github
- Provide a short rationale per query
- Respect optional category constraints
- Keep the set small and high-precision
Return a JSON object: {"notes": string, "queries": [{"query_text": string, "source": "arxiv"|"scholar"|"pubmed"|"github", "rationale": string, "categories": [string]}]}`

// InferSource assigns a source tag from keyword heuristics when no agent is
// available to decide.
func InferSource(query string) string {
	q := " " + strings.Join(rank.Tokenize(query), " ") + " "
	for _, kw := range []string{"clinical", "biomedical", "medical", "disease", "patient"} {
		if strings.Contains(q, " "+kw+" ") {
			return sources.NamePubMed
		}
	}
	for _, kw := range []string{"code", "github", "stars", "repository", "library"} {
		if strings.Contains(q, " "+kw+" ") {
			return sources.NameGitHub
		}
	}
	for _, kw := range []string{"survey", "review"} {
		if strings.Contains(q, " "+kw+" ") {
			return sources.NameScholar
		}
	}
	return sources.NameArxiv
}

// HeuristicQueries produces the deterministic four-variant plan used when
// the strategy agent is disabled or fails.
func HeuristicQueries(task Task) []Query {
	base := strings.TrimSpace(task.Query)
	variants := []struct {
		text      string
		rationale string
	}{
		{base, "Direct match to task"},
		{base + " AND (survey OR review)", "Surveys and reviews"},
		{base + " AND (benchmark OR dataset OR code)", "Practical artifacts"},
		{base + " NOT theory-only", "Exclude purely theoretical work"},
	}
	out := make([]Query, 0, len(variants))
	for _, v := range variants {
		out = append(out, Query{
			QueryText:  v.text,
			Source:     InferSource(v.text),
			Rationale:  v.rationale,
			Categories: task.Categories,
		})
		if len(out) >= task.MaxQueries {
			break
		}
	}
	return out
}

// Strategist produces the query plan for a task.
type Strategist struct {
	Gateway  *llm.Gateway
	UseAgent bool
}

// Plan returns at most task.MaxQueries queries. Explicit user queries keep
// their text and only get sources assigned; otherwise the agent plans, with
// the heuristic as fallback.
func (s *Strategist) Plan(ctx context.Context, task Task) []Query {
	if len(task.Queries) > 0 {
		out := make([]Query, 0, len(task.Queries))
		for _, q := range task.Queries {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			out = append(out, Query{
				QueryText:  q,
				Source:     InferSource(q),
				Rationale:  "User-suggested query",
				Categories: task.Categories,
			})
			if len(out) >= task.MaxQueries {
				break
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	if s.UseAgent && s.Gateway.Configured() {
		plan, err := s.planWithAgent(ctx, task)
		if err == nil && len(plan) > 0 {
			return plan
		}
		log.WithField("err", err).Warn("strategy agent failed, using heuristic queries")
	}
	return HeuristicQueries(task)
}

func (s *Strategist) planWithAgent(ctx context.Context, task Task) ([]Query, error) {
	cats := "none"
	if len(task.Categories) > 0 {
		cats = strings.Join(task.Categories, ", ")
	}
	user := fmt.Sprintf("Task: %s\nCategories: %s\nMax queries: %d\n\nProduce up to %d focused queries with rationales.",
		task.Query, cats, task.MaxQueries, task.MaxQueries)

	var plan llm.QueryPlan
	if err := s.Gateway.RunJSON(ctx, "strategy", strategySystemPrompt, user, &plan); err != nil {
		return nil, err
	}
	out := make([]Query, 0, len(plan.Queries))
	for _, q := range plan.Queries {
		out = append(out, Query{
			QueryText:  q.QueryText,
			Source:     q.Source,
			Rationale:  q.Rationale,
			Categories: q.Categories,
		})
		if len(out) >= task.MaxQueries {
			break
		}
	}
	return out, nil
}
