package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/avelins/paperscout/llm"
)

const (
	maxSelected  = 3
	whyMaxLen    = 220
	reportMaxLen = 3000
)

const decisionSystemPrompt = `You write the final report for a research assistant run.
Given the task and the selected findings, decide whether the user should be
notified and compose a short plain-text report: one line per finding with why
it matters for the task and its link. No markup.
Return a JSON object: {"should_notify": bool, "report_text": string}`

var practicalSignals = []string{"code", "github", "dataset", "benchmark"}

// ScoreResult turns an analysis into the overall selection score: the
// clamped relevance with a +5 practical-artifact bonus, capped at 100.
func ScoreResult(r AnalysisResult) float64 {
	score := clamp(r.Relevance, 0, 100)
	lower := strings.ToLower(r.Summary)
	for _, sig := range practicalSignals {
		if strings.Contains(lower, sig) {
			score += 5
			break
		}
	}
	return clamp(score, 0, 100)
}

// SelectTop keeps results scoring at or above minRelevance, sorted by score
// descending, at most three.
func SelectTop(analyzed []AnalysisResult, minRelevance float64) []Scored {
	var kept []Scored
	for _, r := range analyzed {
		s := ScoreResult(r)
		if s >= minRelevance {
			kept = append(kept, Scored{Result: r, OverallScore: s})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].OverallScore > kept[j].OverallScore
	})
	if len(kept) > maxSelected {
		kept = kept[:maxSelected]
	}
	return kept
}

var whyTokenRe = regexp.MustCompile(`[a-zA-Z0-9\-]+`)

var whyStopwords = map[string]bool{
	"the": true, "and": true, "or": true, "of": true,
	"to": true, "for": true, "a": true, "in": true,
}

// whyForTask explains in one short clause why a finding matters for the
// task, preferring the overlapping task terms over a raw summary excerpt.
func whyForTask(taskQuery, summary string) string {
	taskTokens := whyTokenRe.FindAllString(strings.ToLower(taskQuery), -1)
	var terms []string
	seen := map[string]bool{}
	for _, t := range taskTokens {
		if whyStopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}

	lowerSummary := strings.ToLower(summary)
	var overlap []string
	for _, t := range terms {
		if strings.Contains(lowerSummary, t) {
			overlap = append(overlap, t)
			if len(overlap) == 3 {
				break
			}
		}
	}

	var why string
	if len(overlap) > 0 {
		why = fmt.Sprintf("addresses %s relevant to your task", strings.Join(overlap, ", "))
	} else if first := strings.SplitN(summary, ". ", 2)[0]; strings.TrimSpace(first) != "" {
		why = first
	} else {
		why = "directly related methods and findings"
	}

	return ellipsize(why, whyMaxLen)
}

// ellipsize caps the text at max runes, never splitting a rune.
func ellipsize(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimRight(string(r[:max-3]), " ") + "..."
}

// compactReportText drops blank lines and caps the report length.
func compactReportText(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return ellipsize(strings.Join(lines, "\n"), reportMaxLen)
}

func findingLink(r AnalysisResult) string {
	if r.Candidate.AbsURL != "" {
		return r.Candidate.AbsURL
	}
	return r.Candidate.PDFURL
}

// Decider composes the end-of-cycle report.
type Decider struct {
	Gateway  *llm.Gateway
	UseAgent bool
}

// Decide selects the findings and writes the report. No selection means no
// notification and an empty report.
func (d *Decider) Decide(ctx context.Context, task Task, analyzed []AnalysisResult) ([]Scored, bool, string) {
	selected := SelectTop(analyzed, task.MinRelevance)
	if len(selected) == 0 {
		return nil, false, ""
	}

	if d.UseAgent && d.Gateway.Configured() {
		if notify, report, err := d.reportWithAgent(ctx, task, selected); err == nil && report != "" {
			return selected, notify, compactReportText(report)
		} else if err != nil {
			log.WithField("err", err).Warn("decision agent failed, using template report")
		}
	}
	return selected, true, compactReportText(d.templateReport(task, selected))
}

func (d *Decider) templateReport(task Task, selected []Scored) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Findings for your task: %s\n", task.Query)
	for _, s := range selected {
		fmt.Fprintf(&b, "- %s\n", s.Result.Candidate.Title)
		fmt.Fprintf(&b, "  Why useful for this task: %s\n", whyForTask(task.Query, s.Result.Summary))
		fmt.Fprintf(&b, "  Link: %s\n", findingLink(s.Result))
	}
	return b.String()
}

func (d *Decider) reportWithAgent(ctx context.Context, task Task, selected []Scored) (bool, string, error) {
	type item struct {
		Title   string  `json:"title"`
		Summary string  `json:"summary"`
		Score   float64 `json:"score"`
		Link    string  `json:"link"`
	}
	items := make([]item, 0, len(selected))
	for _, s := range selected {
		items = append(items, item{
			Title:   s.Result.Candidate.Title,
			Summary: s.Result.Summary,
			Score:   s.OverallScore,
			Link:    findingLink(s.Result),
		})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"task":  task.Query,
		"items": items,
	})
	if err != nil {
		return false, "", err
	}

	var out llm.DecisionOutput
	if err := d.Gateway.RunJSON(ctx, "decision", decisionSystemPrompt, string(payload), &out); err != nil {
		return false, "", err
	}
	return out.ShouldNotify, out.ReportText, nil
}
