// Package pipeline runs one research cycle for a task: strategy, retrieval,
// ranking, analysis and decision.
package pipeline

import (
	"github.com/avelins/paperscout/sources"
)

// Task is the in-memory description of one pipeline run.
type Task struct {
	TaskID     int64    `json:"task_id,omitempty"`
	Query      string   `json:"query" validate:"required"`
	Categories []string `json:"categories,omitempty"`
	MaxQueries int      `json:"max_queries" validate:"min=1,max=20"`
	BM25TopK   int      `json:"bm25_top_k" validate:"min=5,max=100"`
	MaxAnalyze int      `json:"max_analyze" validate:"min=1,max=50"`
	// MinRelevance is the selection threshold in [0,100].
	MinRelevance float64 `json:"min_relevance" validate:"min=0,max=100"`
	// Queries are optional user-suggested query texts; sources are still
	// assigned by the strategy stage.
	Queries []string `json:"queries,omitempty"`
}

// Knob defaults used when composing a task from stored state.
const (
	DefaultMaxQueries   = 5
	DefaultBM25TopK     = 20
	DefaultMaxAnalyze   = 10
	DefaultMinRelevance = 50
)

// ApplyDefaults fills the knobs whose zero value is invalid. MinRelevance 0
// legitimately keeps everything and passes through unchanged; disabling
// analysis outright is only possible by calling the analysis stage with a
// non-positive budget directly.
func (t *Task) ApplyDefaults() {
	if t.MaxQueries == 0 {
		t.MaxQueries = DefaultMaxQueries
	}
	if t.BM25TopK == 0 {
		t.BM25TopK = DefaultBM25TopK
	}
	if t.MaxAnalyze == 0 {
		t.MaxAnalyze = DefaultMaxAnalyze
	}
}

// Query is one search instruction with its target source.
type Query struct {
	QueryText  string
	Source     string
	Rationale  string
	Categories []string
}

// AnalysisResult is one judged candidate.
type AnalysisResult struct {
	Candidate           sources.Candidate `json:"candidate"`
	Relevance           float64           `json:"relevance"`
	Summary             string            `json:"summary"`
	KeyFragments        string            `json:"key_fragments,omitempty"`
	ContextualReasoning string            `json:"contextual_reasoning,omitempty"`
}

// Scored pairs an analysis with the overall score used for selection.
type Scored struct {
	Result       AnalysisResult `json:"result"`
	OverallScore float64        `json:"overall_score"`
}

// Output is the result of one full cycle.
type Output struct {
	Task             Task             `json:"task"`
	GeneratedQueries []string         `json:"generated_queries"`
	Analyzed         []AnalysisResult `json:"analyzed"`
	Selected         []Scored         `json:"selected"`
	ShouldNotify     bool             `json:"should_notify"`
	ReportText       string           `json:"report_text,omitempty"`
}
