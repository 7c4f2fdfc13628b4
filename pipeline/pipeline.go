package pipeline

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/llm"
	"github.com/avelins/paperscout/rank"
	"github.com/avelins/paperscout/sources"
)

// Config selects the agent-backed stages and their concurrency.
type Config struct {
	UseAgentStrategy      bool
	UseAgentAnalyze       bool
	UseAgentDecision      bool
	MaxConcurrentAnalysis int64
}

func DefaultConfig() Config {
	return Config{
		UseAgentStrategy:      true,
		UseAgentAnalyze:       false,
		UseAgentDecision:      true,
		MaxConcurrentAnalysis: 5,
	}
}

// Pipeline wires the five stages of one research cycle.
type Pipeline struct {
	strategist *Strategist
	retriever  *Retriever
	ranker     *rank.Ranker
	analyzer   *Analyzer
	decider    *Decider
}

func New(registry *sources.Registry, gw *llm.Gateway, cfg Config) *Pipeline {
	return &Pipeline{
		strategist: &Strategist{Gateway: gw, UseAgent: cfg.UseAgentStrategy},
		retriever:  &Retriever{Registry: registry},
		ranker:     rank.NewRanker(),
		analyzer:   NewAnalyzer(gw, cfg.UseAgentAnalyze, cfg.MaxConcurrentAnalysis),
		decider:    &Decider{Gateway: gw, UseAgent: cfg.UseAgentDecision},
	}
}

// Run executes one cycle: plan queries, retrieve and deduplicate, rank the
// union, judge the top slice and decide what to report.
func (p *Pipeline) Run(ctx context.Context, task Task) (*Output, error) {
	task.ApplyDefaults()
	started := time.Now()

	queries := p.strategist.Plan(ctx, task)
	generated := make([]string, 0, len(queries))
	for _, q := range queries {
		generated = append(generated, q.QueryText)
	}

	candidates := p.retriever.Collect(ctx, queries)
	ranked := p.rankCandidates(task, candidates)
	analyzed := p.analyzer.Analyze(ctx, task, ranked, task.MaxAnalyze)
	selected, notify, report := p.decider.Decide(ctx, task, analyzed)

	log.WithFields(log.Fields{
		"task_id":    task.TaskID,
		"queries":    len(queries),
		"candidates": len(candidates),
		"ranked":     len(ranked),
		"analyzed":   len(analyzed),
		"selected":   len(selected),
		"notify":     notify,
		"took":       time.Since(started).Round(time.Millisecond),
	}).Info("cycle finished")

	return &Output{
		Task:             task,
		GeneratedQueries: generated,
		Analyzed:         analyzed,
		Selected:         selected,
		ShouldNotify:     notify,
		ReportText:       report,
	}, nil
}

// rankCandidates scores the deduplicated union against the task text and
// returns the top slice in rank order with BM25 scores attached.
func (p *Pipeline) rankCandidates(task Task, candidates []sources.Candidate) []sources.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	byID := make(map[string]sources.Candidate, len(candidates))
	docs := make([]rank.Doc, 0, len(candidates))
	for _, c := range candidates {
		byID[c.SourceID] = c
		doc := rank.Doc{ID: c.SourceID, Title: c.Title, Summary: c.Summary}
		if c.Updated != nil {
			doc.Updated = *c.Updated
		}
		docs = append(docs, doc)
	}
	top := p.ranker.Top(task.Query, docs, task.BM25TopK)
	out := make([]sources.Candidate, 0, len(top))
	for _, r := range top {
		c := byID[r.Doc.ID]
		c.BM25Score = r.Score
		out = append(out, c)
	}
	return out
}
