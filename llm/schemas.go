package llm

import (
	"github.com/go-playground/validator/v10"
)

// validate checks structured outputs after JSON decoding; a violation is a
// schema failure and triggers a retry.
var validate = validator.New()

// PlannedQuery is one search instruction from the strategy agent.
type PlannedQuery struct {
	QueryText  string   `json:"query_text" validate:"required"`
	Source     string   `json:"source" validate:"required,oneof=arxiv scholar pubmed github"`
	Rationale  string   `json:"rationale"`
	Categories []string `json:"categories"`
}

// QueryPlan is the strategy agent's full output.
type QueryPlan struct {
	Notes   string         `json:"notes"`
	Queries []PlannedQuery `json:"queries" validate:"required,min=1,dive"`
}

// AnalysisOutput is the analysis agent's judgment of one candidate.
type AnalysisOutput struct {
	Relevance           float64 `json:"relevance" validate:"gte=0,lte=100"`
	Summary             string  `json:"summary" validate:"required"`
	KeyFragments        string  `json:"key_fragments"`
	ContextualReasoning string  `json:"contextual_reasoning"`
}

// DecisionOutput controls whether the user is notified and with what text.
type DecisionOutput struct {
	ShouldNotify bool   `json:"should_notify"`
	ReportText   string `json:"report_text"`
}
